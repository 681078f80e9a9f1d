// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameter keys of the models, as stored in the context.Context.
const (
	ParamEmbeddingSize  = "embedding_size"
	ParamHiddenSize     = "hidden_size"
	ParamNumLayers      = "num_layers"
	ParamKeepProb       = "keep_prob"
	ParamSequenceLength = "sequence_length"
	ParamNumFilters     = "num_filters"
	ParamFilterSizes    = "filter_sizes"
)

// ContextParams returns the hyperparameters of the configuration keyed as the models and the GoMLX optimizers
// and regularizers expect them.
func (c *Config) ContextParams() map[string]any {
	params := map[string]any{
		ParamEmbeddingSize:              c.EmbeddingSize,
		ParamHiddenSize:                 c.HiddenSize,
		ParamNumLayers:                  c.NumLayers,
		ParamKeepProb:                   c.KeepProb,
		ParamSequenceLength:             c.SequenceLength,
		ParamNumFilters:                 c.NumFilters,
		optimizers.ParamOptimizer:       c.Optimizer,
		optimizers.ParamLearningRate:    c.LearningRate,
		optimizers.ParamClipStepByValue: c.ClipStepByValue,
		regularizers.ParamL2:            c.L2RegLambda,
		context.ParamInitialSeed:        c.Seed,
	}
	if len(c.FilterSizes) > 0 {
		params[ParamFilterSizes] = c.FilterSizes
	}
	return params
}

// NewContext creates a context.Context with the hyperparameters of the configuration.
// Command-line context settings (see commandline.ParseContextSettings) can be applied on top of it.
func (c *Config) NewContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(c.ContextParams())
	return ctx
}

// knownOptimizer returns whether name is one of the optimizers available in GoMLX.
func knownOptimizer(name string) bool {
	_, found := optimizers.KnownOptimizers[name]
	return found
}
