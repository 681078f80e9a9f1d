// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the run configuration shared by the language-model and the classifier trainers.
//
// The configuration file is a JSON object (YAML is also accepted), optionally complemented by a `.env` file
// in the same directory and by TEXTMODELS_* environment variables, which take precedence over the file.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// RunConfigFile is the name of the configuration of a run saved under output_path.
const RunConfigFile = "config.json"

// EnvPrefix is the prefix of the environment variables that override values of the configuration file.
const EnvPrefix = "textmodels"

// Config holds the hyperparameters and paths of a run. It is loaded once and should not be changed after that.
type Config struct {
	ModelName       string `json:"model_name"`
	TrainData       string `json:"train_data"`
	EvalData        string `json:"eval_data"`
	OutputPath      string `json:"output_path"`
	WordVectorsPath string `json:"word_vectors_path,omitempty"`

	EmbeddingSize int     `json:"embedding_size"`
	HiddenSize    int     `json:"hidden_size"`
	NumLayers     int     `json:"num_layers"`
	KeepProb      float64 `json:"keep_prob"`

	LearningRate    float64 `json:"learning_rate"`
	Optimizer       string  `json:"optimizer"`
	ClipStepByValue float64 `json:"clip_step_by_value,omitempty"`

	BatchSize       int `json:"batch_size"`
	SequenceLength  int `json:"sequence_length"`
	Epochs          int `json:"epochs"`
	EvalEvery       int `json:"eval_every,omitempty"`
	CheckpointEvery int `json:"checkpoint_every,omitempty"`

	CkptModelPath  string `json:"ckpt_model_path"`
	PbModelPath    string `json:"pb_model_path,omitempty"`
	NumCheckpoints int    `json:"num_checkpoints"`

	// Classifier only.
	NumFilters     int     `json:"num_filters,omitempty"`
	FilterSizes    []int   `json:"filter_sizes,omitempty"`
	L2RegLambda    float64 `json:"l2_reg_lambda,omitempty"`
	VocabSize      int     `json:"vocab_size,omitempty"`
	Threshold      float64 `json:"threshold"`
	LabelSeparator string  `json:"label_separator"`

	Seed int64 `json:"seed"`

	Export Export `json:"export,omitempty"`
}

// Export configures where the servable bundle is published, besides the local pb_model_path.
type Export struct {
	S3 S3 `json:"s3,omitempty"`
}

// S3 object storage location and credentials. Export to S3 is enabled when Bucket is set.
type S3 struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`
}

// Enabled returns whether an S3 bucket was configured.
func (s S3) Enabled() bool { return s.Bucket != "" }

// overrides read from the environment. Pointers stay nil for variables that are not set.
type overrides struct {
	OutputPath    *string `envconfig:"OUTPUT_PATH"`
	CkptModelPath *string `envconfig:"CKPT_MODEL_PATH"`
	PbModelPath   *string `envconfig:"PB_MODEL_PATH"`
	Epochs        *int    `envconfig:"EPOCHS"`
	BatchSize     *int    `envconfig:"BATCH_SIZE"`
	S3AccessKey   *string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey   *string `envconfig:"S3_SECRET_KEY"`
}

// Default returns a Config with the default values of the optional keys.
func Default() *Config {
	return &Config{
		EmbeddingSize:  128,
		NumLayers:      1,
		KeepProb:       1.0,
		LearningRate:   0.001,
		Optimizer:      "adam",
		NumCheckpoints: 5,
		Threshold:      0.5,
		LabelSeparator: "|",
		Seed:           42,
	}
}

// Load the configuration from the file in path.
//
// A `.env` file in the same directory as the configuration is loaded into the environment (without overwriting
// variables already set), and then TEXTMODELS_* variables override the values read from the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("no configuration path given, please set --config_path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	dotEnv := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(dotEnv); err == nil {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, errors.Wrapf(err, "failed to load environment from %q", dotEnv)
		}
		klog.V(1).Infof("loaded environment from %q", dotEnv)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// Parse the configuration contents (JSON or YAML) and apply the environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env overrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return errors.Wrapf(err, "failed to read %s_* environment variables", strings.ToUpper(EnvPrefix))
	}
	setIf(&c.OutputPath, env.OutputPath)
	setIf(&c.CkptModelPath, env.CkptModelPath)
	setIf(&c.PbModelPath, env.PbModelPath)
	setIf(&c.Epochs, env.Epochs)
	setIf(&c.BatchSize, env.BatchSize)
	setIf(&c.Export.S3.AccessKey, env.S3AccessKey)
	setIf(&c.Export.S3.SecretKey, env.S3SecretKey)
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// SummaryDir returns the directory of the summaries of the given split ("train" or "eval").
func (c *Config) SummaryDir(split string) string {
	return filepath.Join(c.OutputPath, "summary", split)
}

// CheckpointDir returns the directory where checkpoints of the model are saved, or "" if checkpointing is disabled.
func (c *Config) CheckpointDir() string {
	if c.CkptModelPath == "" {
		return ""
	}
	return filepath.Join(c.CkptModelPath, c.ModelName)
}

// Redacted returns a copy of the configuration without credentials.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.FilterSizes = slices.Clone(c.FilterSizes)
	redacted.Export.S3.AccessKey, redacted.Export.S3.SecretKey = "", ""
	return &redacted
}

// Save the configuration, without credentials, as JSON into path. The trainers save the configuration of
// each run into output_path (see RunConfigFile).
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return errors.Wrap(err, "failed to serialize configuration")
	}
	data, err = yaml.YAMLToJSON(data)
	if err != nil {
		return errors.Wrap(err, "failed to convert configuration to JSON")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write configuration to %q", path)
}
