// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charrnn

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/gomlx/textmodels/internal/servable"
	"github.com/gomlx/textmodels/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.txt")
	evalPath := filepath.Join(dir, "eval.txt")
	require.NoError(t, os.WriteFile(trainPath, []byte(strings.Repeat("hello world, hello gophers!\n", 20)), 0o644))
	require.NoError(t, os.WriteFile(evalPath, []byte(strings.Repeat("hello world!\n", 10)), 0o644))
	cfg, err := config.Parse([]byte(fmt.Sprintf(`{
		"model_name": "tiny",
		"train_data": %q,
		"eval_data": %q,
		"output_path": %q,
		"ckpt_model_path": %q,
		"pb_model_path": %q,
		"embedding_size": 8,
		"hidden_size": 8,
		"num_layers": 2,
		"keep_prob": 0.9,
		"batch_size": 4,
		"sequence_length": 10,
		"epochs": 2,
		"eval_every": 5
	}`, trainPath, evalPath, filepath.Join(dir, "output"), filepath.Join(dir, "ckpt"), filepath.Join(dir, "export"))))
	require.NoError(t, err)
	return cfg
}

func TestTrainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end training in short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg := writeTestConfig(t)

	ctx := cfg.NewContext()
	trainer, err := NewTrainer(backend, ctx, cfg)
	require.NoError(t, err)
	defer trainer.Finalize()
	// 560 characters in 4 rows of 140: 14 batches of length 10 per epoch.
	numBatches := trainer.TrainDS.BatchesPerEpoch()
	require.Equal(t, 14, numBatches)
	require.NoError(t, trainer.Train())
	assert.Equal(t, int64(cfg.Epochs*numBatches), optimizers.GetGlobalStep(ctx))

	// Eval once every 5 steps of the 28 steps run.
	evalPoints, err := summary.ReadPoints(cfg.SummaryDir("eval"))
	require.NoError(t, err)
	var evalSteps []int
	for _, p := range evalPoints {
		if p.Metric == "loss" {
			evalSteps = append(evalSteps, p.Step)
			assert.Equal(t, "eval", p.Split)
		}
	}
	assert.Equal(t, []int{5, 10, 15, 20, 25}, evalSteps)
	trainPoints, err := summary.ReadPoints(cfg.SummaryDir("train"))
	require.NoError(t, err)
	assert.Len(t, trainPoints, 2*cfg.Epochs*numBatches) // loss and perplexity per step.
	assert.FileExists(t, filepath.Join(cfg.OutputPath, LossPlotFile))
	saved, err := config.Load(filepath.Join(cfg.OutputPath, config.RunConfigFile))
	require.NoError(t, err)
	assert.Equal(t, cfg.HiddenSize, saved.HiddenSize)

	// The export holds the language model signature and reproduces the predictions of the trained model.
	_, err = servable.Verify(cfg.PbModelPath)
	require.NoError(t, err)
	sig, err := servable.ReadSignature(cfg.PbModelPath)
	require.NoError(t, err)
	assert.Equal(t, servable.LanguageModelSignature, sig.Name)
	vocabTokens, err := servable.ReadVocab(cfg.PbModelPath)
	require.NoError(t, err)
	assert.Equal(t, trainer.Vocab.Tokens(), vocabTokens)

	tokens := tensors.FromValue([][]int32{trainer.Vocab.Encode("hello")})
	want, wantState, err := trainer.Model.Predict(tokens, trainer.Model.ZeroState(1))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, trainer.Vocab.Size()}, want.Shape().Dimensions)
	probs := tensors.MustCopyFlatData[float32](want)
	var sum float64
	for _, p := range probs[:trainer.Vocab.Size()] {
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	servingCtx := cfg.NewContext()
	require.NoError(t, servable.LoadVariables(servingCtx, cfg.PbModelPath))
	served, err := NewModel(backend, servingCtx, len(vocabTokens))
	require.NoError(t, err)
	defer served.Finalize()
	got, gotState, err := served.Predict(tokens, served.ZeroState(1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, probs, tensors.MustCopyFlatData[float32](got), 1e-5)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](wantState), tensors.MustCopyFlatData[float32](gotState), 1e-5)

	// A second run resumes from the last checkpoint.
	ctx = cfg.NewContext()
	resumed, err := NewTrainer(backend, ctx, cfg)
	require.NoError(t, err)
	defer resumed.Finalize()
	assert.Equal(t, trainer.Vocab.Tokens(), resumed.Vocab.Tokens())
	require.NoError(t, resumed.Train())
	assert.Equal(t, int64(2*cfg.Epochs*numBatches), optimizers.GetGlobalStep(ctx))
}

func TestStepperThreadsState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model execution in short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg := writeTestConfig(t)
	ctx := cfg.NewContext()
	model, err := NewModel(backend, ctx, 6)
	require.NoError(t, err)
	defer model.Finalize()

	s := &stepper{model: model}
	defer s.finalize()
	inputs := []*tensors.Tensor{tensors.FromValue([][]int32{{1, 2, 3}, {3, 4, 5}})}
	labels := []*tensors.Tensor{tensors.FromValue([][]int32{{2, 3, 4}, {4, 5, 1}})}
	loss, err := s.EvalStep(inputs, labels)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	require.NotNil(t, s.evalState)
	assert.Nil(t, s.trainState, "evaluation must not touch the training state")
	assert.Equal(t, []int{2, 2, 2, 8}, s.evalState.Shape().Dimensions)
	first := tensors.MustCopyFlatData[float32](s.evalState)

	// The same batch from the carried state gives a different state than from a zero state.
	_, err = s.EvalStep(inputs, labels)
	require.NoError(t, err)
	assert.NotEqual(t, first, tensors.MustCopyFlatData[float32](s.evalState))
	s.ResetEvalState()
	_, err = s.EvalStep(inputs, labels)
	require.NoError(t, err)
	assert.Equal(t, first, tensors.MustCopyFlatData[float32](s.evalState))

	_, err = s.TrainStep(inputs, labels)
	require.NoError(t, err)
	assert.NotNil(t, s.trainState)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))
}

func TestTrainerShortEval(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end training in short mode")
	}
	backend := graphtest.BuildTestBackend()
	for _, evalText := range []string{"hi\n", ""} {
		cfg := writeTestConfig(t)
		cfg.Epochs = 1
		cfg.CkptModelPath = ""
		require.NoError(t, os.WriteFile(cfg.EvalData, []byte(evalText), 0o644))
		trainer, err := NewTrainer(backend, cfg.NewContext(), cfg)
		require.NoError(t, err)
		assert.Equal(t, 0, trainer.EvalDS.BatchesPerEpoch())
		require.NoError(t, trainer.Train())
		trainer.Finalize()

		evalPoints, err := summary.ReadPoints(cfg.SummaryDir("eval"))
		require.NoError(t, err)
		assert.Empty(t, evalPoints, "no eval report for eval text %q", evalText)
	}
}

func TestTrainStepReportsEvalLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model execution in short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg := writeTestConfig(t)
	cfg.KeepProb = 1
	model, err := NewModel(backend, cfg.NewContext(), 6)
	require.NoError(t, err)
	defer model.Finalize()

	tokens := tensors.FromValue([][]int32{{1, 2, 3}, {3, 4, 5}})
	targets := tensors.FromValue([][]int32{{2, 3, 4}, {4, 5, 1}})
	evalLoss, _, err := model.EvalStep(tokens, targets, model.ZeroState(2))
	require.NoError(t, err)
	// The train step reports the loss before its update.
	trainLoss, _, err := model.TrainStep(tokens, targets, model.ZeroState(2))
	require.NoError(t, err)
	assert.InDelta(t, evalLoss, trainLoss, 1e-5)
}

func TestNewTrainerValidates(t *testing.T) {
	cfg := writeTestConfig(t)
	cfg.HiddenSize = 0
	_, err := NewTrainer(nil, cfg.NewContext(), cfg)
	require.ErrorContains(t, err, "hidden_size")

	cfg = writeTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.TrainData, []byte("hi\n"), 0o644))
	_, err = NewTrainer(nil, cfg.NewContext(), cfg)
	require.ErrorContains(t, err, "too short")
}
