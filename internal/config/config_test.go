// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lmConfig = `{
  "model_name": "char_rnn",
  "train_data": "data/train.txt",
  "eval_data": "data/eval.txt",
  "output_path": "outputs",
  "embedding_size": 64,
  "hidden_size": 128,
  "num_layers": 2,
  "keep_prob": 0.8,
  "learning_rate": 0.002,
  "batch_size": 32,
  "sequence_length": 50,
  "epochs": 10,
  "eval_every": 100,
  "ckpt_model_path": "ckpt",
  "pb_model_path": "pb_model"
}`

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", lmConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "char_rnn", cfg.ModelName)
	assert.Equal(t, 128, cfg.HiddenSize)
	assert.Equal(t, 0.8, cfg.KeepProb)
	assert.Equal(t, 100, cfg.EvalEvery)
	// Defaults for keys not given.
	assert.Equal(t, "adam", cfg.Optimizer)
	assert.Equal(t, 5, cfg.NumCheckpoints)
	assert.Equal(t, "|", cfg.LabelSeparator)
	require.NoError(t, cfg.ValidateLanguageModel())

	assert.Equal(t, filepath.Join("outputs", "summary", "train"), cfg.SummaryDir("train"))
	assert.Equal(t, filepath.Join("ckpt", "char_rnn"), cfg.CheckpointDir())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
model_name: textcnn
filter_sizes: [2, 3, 4]
num_filters: 16
threshold: 0.4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, cfg.FilterSizes)
	assert.Equal(t, 0.4, cfg.Threshold)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "missing.json")
	path := writeFile(t, t.TempDir(), "bad.json", `{"epochs": "ten"}`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", lmConfig)
	t.Setenv("TEXTMODELS_EPOCHS", "3")
	t.Setenv("TEXTMODELS_PB_MODEL_PATH", "/tmp/export")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, "/tmp/export", cfg.PbModelPath)
	// Not overridden.
	assert.Equal(t, "outputs", cfg.OutputPath)
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", lmConfig)
	writeFile(t, dir, ".env", "TEXTMODELS_BATCH_SIZE=7\n")
	t.Setenv("TEXTMODELS_BATCH_SIZE", "") // Registers the cleanup of the variable set by the .env file.
	require.NoError(t, os.Unsetenv("TEXTMODELS_BATCH_SIZE"))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateLanguageModel()
	require.Error(t, err)
	for _, key := range []string{"model_name", "train_data", "hidden_size", "eval_every", "pb_model_path"} {
		assert.ErrorContains(t, err, key)
	}

	cfg, err = Parse([]byte(lmConfig))
	require.NoError(t, err)
	cfg.KeepProb = 0
	require.ErrorContains(t, cfg.ValidateLanguageModel(), "keep_prob")
	cfg.KeepProb = 1
	cfg.Optimizer = "nope"
	require.ErrorContains(t, cfg.ValidateLanguageModel(), "optimizer")

	cfg, err = Parse([]byte(lmConfig))
	require.NoError(t, err)
	err = cfg.ValidateClassifier()
	require.Error(t, err)
	assert.ErrorContains(t, err, "checkpoint_every")
	assert.ErrorContains(t, err, "filter_sizes")
	cfg.CheckpointEvery = 10
	cfg.NumFilters = 8
	cfg.FilterSizes = []int{2, 3}
	require.NoError(t, cfg.ValidateClassifier())
	cfg.FilterSizes = []int{51}
	require.ErrorContains(t, cfg.ValidateClassifier(), "filter_sizes")
}

func TestNewContext(t *testing.T) {
	cfg, err := Parse([]byte(lmConfig))
	require.NoError(t, err)
	ctx := cfg.NewContext()
	assert.Equal(t, 128, context.GetParamOr(ctx, ParamHiddenSize, 0))
	assert.Equal(t, 0.002, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, int64(42), context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)))
}

func TestSaveRedactsSecrets(t *testing.T) {
	cfg, err := Parse([]byte(lmConfig))
	require.NoError(t, err)
	cfg.Export.S3 = S3{Bucket: "models", AccessKey: "AK", SecretKey: "SK"}
	path := filepath.Join(t.TempDir(), "run", RunConfigFile)
	require.NoError(t, cfg.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "SK")
	reloaded, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "models", reloaded.Export.S3.Bucket)
	assert.Equal(t, cfg.HiddenSize, reloaded.HiddenSize)
}
