// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) positive(name string, value int) {
	if value <= 0 {
		p.addf("%q must be > 0, got %d", name, value)
	}
}

func (p *problems) nonEmpty(name, value string) {
	if value == "" {
		p.addf("%q must be set", name)
	}
}

func (p problems) err(model string) error {
	if len(p) == 0 {
		return nil
	}
	return errors.Errorf("invalid %s configuration:\n\t- %s", model, strings.Join(p, "\n\t- "))
}

func (c *Config) common(p *problems) {
	p.nonEmpty("model_name", c.ModelName)
	p.nonEmpty("train_data", c.TrainData)
	p.nonEmpty("eval_data", c.EvalData)
	p.nonEmpty("output_path", c.OutputPath)
	p.positive("embedding_size", c.EmbeddingSize)
	p.positive("batch_size", c.BatchSize)
	p.positive("sequence_length", c.SequenceLength)
	p.positive("epochs", c.Epochs)
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		p.addf("\"keep_prob\" must be in (0, 1], got %g", c.KeepProb)
	}
	if c.LearningRate <= 0 {
		p.addf("\"learning_rate\" must be > 0, got %g", c.LearningRate)
	}
	if !knownOptimizer(c.Optimizer) {
		p.addf("\"optimizer\" %q is not a known optimizer", c.Optimizer)
	}
	if c.NumCheckpoints < 1 {
		p.addf("\"num_checkpoints\" must be >= 1, got %d", c.NumCheckpoints)
	}
	if c.Export.S3.Enabled() && c.PbModelPath == "" {
		p.addf("\"export.s3\" requires \"pb_model_path\"")
	}
}

// ValidateLanguageModel checks that all keys used by the language-model trainer are set and valid.
// All problems found are reported in the one error returned.
func (c *Config) ValidateLanguageModel() error {
	var p problems
	c.common(&p)
	p.positive("hidden_size", c.HiddenSize)
	p.positive("num_layers", c.NumLayers)
	p.positive("eval_every", c.EvalEvery)
	p.nonEmpty("pb_model_path", c.PbModelPath)
	return p.err("language model")
}

// ValidateClassifier checks that all keys used by the classifier trainer are set and valid.
// All problems found are reported in the one error returned.
func (c *Config) ValidateClassifier() error {
	var p problems
	c.common(&p)
	p.positive("num_filters", c.NumFilters)
	p.positive("checkpoint_every", c.CheckpointEvery)
	if len(c.FilterSizes) == 0 {
		p.addf("\"filter_sizes\" must have at least one kernel size")
	}
	for _, k := range c.FilterSizes {
		if k <= 0 || k > c.SequenceLength {
			p.addf("\"filter_sizes\" values must be in [1, sequence_length=%d], got %d", c.SequenceLength, k)
		}
	}
	if c.VocabSize < 0 {
		p.addf("\"vocab_size\" must be >= 0 (0 for unlimited), got %d", c.VocabSize)
	}
	if c.L2RegLambda < 0 {
		p.addf("\"l2_reg_lambda\" must be >= 0, got %g", c.L2RegLambda)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		p.addf("\"threshold\" must be in (0, 1), got %g", c.Threshold)
	}
	if c.LabelSeparator == "" {
		p.addf("\"label_separator\" must not be empty")
	}
	return p.err("classifier")
}
