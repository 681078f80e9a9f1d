// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charrnn

import (
	stdcontext "context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/gomlx/textmodels/internal/loop"
	"github.com/gomlx/textmodels/internal/metrics"
	"github.com/gomlx/textmodels/internal/servable"
	"github.com/gomlx/textmodels/internal/summary"
	"github.com/gomlx/textmodels/internal/wordvec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VocabFile is the name of the vocabulary saved along with the checkpoints.
const VocabFile = "vocab.json"

// LossPlotFile is the name of the loss curves image written under output_path at the end of training.
const LossPlotFile = "loss.png"

// Trainer of the char-RNN language model.
type Trainer struct {
	cfg     *config.Config
	backend backends.Backend
	ctx     *context.Context

	Vocab           *Vocab
	TrainDS, EvalDS *Dataset
	Model           *Model

	checkpoint *checkpoints.Handler

	// ShowProgress attaches a progress bar to the training loop.
	ShowProgress bool
}

// NewTrainer validates the configuration, reads the train and eval data, and creates the model.
//
// The context ctx holds the hyperparameters (see config.Config.NewContext). If cfg sets a checkpoint
// directory with previous checkpoints, training resumes from the latest one.
func NewTrainer(backend backends.Backend, ctx *context.Context, cfg *config.Config) (*Trainer, error) {
	if err := cfg.ValidateLanguageModel(); err != nil {
		return nil, err
	}
	t := &Trainer{cfg: cfg, backend: backend, ctx: ctx}

	trainText, err := ReadText(cfg.TrainData)
	if err != nil {
		return nil, errors.WithMessage(err, "train data")
	}
	evalText, err := ReadText(cfg.EvalData)
	if err != nil {
		return nil, errors.WithMessage(err, "eval data")
	}

	checkpointDir := cfg.CheckpointDir()
	if checkpointDir != "" {
		t.checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			Keep(cfg.NumCheckpoints).
			ExcludeAllParams().
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", checkpointDir)
		}
	}
	if err := t.buildVocab(trainText); err != nil {
		return nil, err
	}

	t.TrainDS, err = NewDataset("train", t.Vocab.Encode(trainText), cfg.BatchSize, cfg.SequenceLength)
	if err != nil {
		return nil, err
	}
	t.EvalDS, err = NewDataset("eval", t.Vocab.Encode(evalText), cfg.BatchSize, cfg.SequenceLength)
	if err != nil {
		return nil, err
	}
	klog.Infof("vocabulary size: %d", t.Vocab.Size())
	klog.Infof("train: %d characters, %d batches per epoch", len([]rune(trainText)), t.TrainDS.BatchesPerEpoch())
	klog.Infof("eval: %d characters, %d batches", len([]rune(evalText)), t.EvalDS.BatchesPerEpoch())
	if t.TrainDS.BatchesPerEpoch() == 0 {
		return nil, errors.Errorf("train data %q is too short for one batch of batch_size=%d and sequence_length=%d",
			cfg.TrainData, cfg.BatchSize, cfg.SequenceLength)
	}

	t.Model, err = NewModel(backend, ctx, t.Vocab.Size())
	if err != nil {
		return nil, err
	}
	if err := t.initEmbeddings(); err != nil {
		t.Model.Finalize()
		return nil, err
	}
	return t, nil
}

// buildVocab builds the vocabulary from the training text, or reloads the one saved with the checkpoints
// when resuming, so token ids stay the same.
func (t *Trainer) buildVocab(trainText string) error {
	if t.checkpoint == nil {
		t.Vocab = BuildVocab(trainText)
		return nil
	}
	vocabPath := filepath.Join(t.checkpoint.Dir(), VocabFile)
	if _, err := os.Stat(vocabPath); err == nil {
		t.Vocab, err = LoadVocab(vocabPath)
		if err != nil {
			return err
		}
		klog.Infof("resuming with the vocabulary in %q", vocabPath)
		return nil
	}
	t.Vocab = BuildVocab(trainText)
	return t.Vocab.Save(vocabPath)
}

// initEmbeddings initializes the embedding table with the pretrained word vectors, if configured and
// if the embeddings are not being restored from a checkpoint.
func (t *Trainer) initEmbeddings() error {
	if t.cfg.WordVectorsPath == "" {
		return nil
	}
	if t.checkpoint != nil {
		if _, found := t.checkpoint.LoadedVariables()[t.Model.EmbeddingParameterName()]; found {
			klog.V(1).Infof("embeddings restored from checkpoint, %q not used", t.cfg.WordVectorsPath)
			return nil
		}
	}
	vecs, err := wordvec.Load(t.cfg.WordVectorsPath)
	if err != nil {
		return err
	}
	table, err := vecs.Table(t.Vocab.Tokens(), t.Model.EmbeddingSize, t.cfg.Seed)
	if err != nil {
		return err
	}
	return t.Model.SetEmbeddings(table)
}

// stepper threads the recurrent state of the model from batch to batch.
type stepper struct {
	model                 *Model
	trainState, evalState *tensors.Tensor
}

var _ loop.Stepper = (*stepper)(nil)

func resetState(state **tensors.Tensor) {
	if *state != nil {
		_ = (*state).FinalizeAll()
		*state = nil
	}
}

// ResetTrainState makes the next training step start from a zero state.
func (s *stepper) ResetTrainState() { resetState(&s.trainState) }

// ResetEvalState makes the next evaluation step start from a zero state.
func (s *stepper) ResetEvalState() { resetState(&s.evalState) }

type stepFn func(tokens, targets, state *tensors.Tensor) (float64, *tensors.Tensor, error)

func (s *stepper) run(fn stepFn, state **tensors.Tensor, inputs, labels []*tensors.Tensor) (float64, error) {
	if *state == nil {
		*state = s.model.ZeroState(inputs[0].Shape().Dim(0))
	}
	loss, finalState, err := fn(inputs[0], labels[0], *state)
	if err != nil {
		return 0, err
	}
	resetState(state)
	*state = finalState
	return loss, nil
}

// TrainStep implements loop.Stepper.
func (s *stepper) TrainStep(inputs, labels []*tensors.Tensor) (float64, error) {
	return s.run(s.model.TrainStep, &s.trainState, inputs, labels)
}

// EvalStep implements loop.Stepper.
func (s *stepper) EvalStep(inputs, labels []*tensors.Tensor) (float64, error) {
	return s.run(s.model.EvalStep, &s.evalState, inputs, labels)
}

func (s *stepper) finalize() {
	s.ResetTrainState()
	s.ResetEvalState()
}

// Train runs the configured number of epochs, evaluating every eval_every steps, and then saves a final
// checkpoint and exports the servable model to pb_model_path.
func (t *Trainer) Train() error {
	cfg := t.cfg
	s := &stepper{model: t.Model}
	defer s.finalize()
	l := loop.New(s)
	l.SetStep(int(optimizers.GetGlobalStep(t.ctx)))
	if l.LoopStep > 0 {
		klog.Infof("resuming from global step %d", l.LoopStep)
	}

	trainWriter, err := summary.NewWriter(cfg.SummaryDir("train"), "train")
	if err != nil {
		return err
	}
	defer func() { _ = trainWriter.Close() }()
	evalWriter, err := summary.NewWriter(cfg.SummaryDir("eval"), "eval")
	if err != nil {
		return err
	}
	defer func() { _ = evalWriter.Close() }()
	if err := cfg.Save(filepath.Join(cfg.OutputPath, config.RunConfigFile)); err != nil {
		return err
	}

	l.OnEpoch("epoch", 0, func(l *loop.Loop, epoch int) error {
		klog.Infof("----- Epoch %d/%d -----", epoch+1, cfg.Epochs)
		s.ResetTrainState()
		return nil
	})
	l.OnStep("log", 0, func(l *loop.Loop, loss float64) error {
		step := l.LoopStep - 1
		perplexity := metrics.Perplexity(loss)
		klog.Infof("train: step: %d, loss: %.4f, perplexity: %.4f", step, loss, perplexity)
		trainWriter.Add(step, "loss", summary.TypeLoss, loss)
		trainWriter.Add(step, "perplexity", summary.TypePerplexity, perplexity)
		return nil
	})
	err = loop.EveryNSteps(l, cfg.EvalEvery, "eval", 10, func(l *loop.Loop, _ float64) error {
		return t.evaluate(l, s, evalWriter)
	})
	if err != nil {
		return err
	}
	if t.checkpoint != nil && cfg.CheckpointEvery > 0 {
		err = loop.EveryNSteps(l, cfg.CheckpointEvery, "checkpoint", 20, func(*loop.Loop, float64) error {
			return t.checkpoint.Save()
		})
		if err != nil {
			return err
		}
	}
	if t.ShowProgress {
		loop.AttachProgressBar(l, func() (string, string) {
			return "perplexity", fmt.Sprintf("%.3f", metrics.Perplexity(l.LastLoss))
		})
	}

	if err := l.RunEpochs(t.TrainDS, cfg.Epochs); err != nil {
		return err
	}
	klog.Infof("training finished after %d steps, median step time %s", l.StepsDone(), l.MedianTrainStepDuration())

	if t.checkpoint != nil {
		if err := t.checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "failed to save final checkpoint")
		}
		klog.Infof("checkpoint saved to %q", t.checkpoint.Dir())
	}
	if err := t.Export(); err != nil {
		return err
	}
	t.plotLosses(trainWriter, evalWriter)
	return nil
}

// evaluate runs over the whole eval dataset, starting from a zero state, and reports the mean loss
// and perplexity.
func (t *Trainer) evaluate(l *loop.Loop, s *stepper, writer *summary.Writer) error {
	s.ResetEvalState()
	result, err := l.Evaluate(t.EvalDS)
	if err != nil {
		return err
	}
	if result.NumBatches() == 0 {
		klog.Warningf("eval: step: %d, no eval batches, nothing to report", l.LoopStep)
		return nil
	}
	perplexities := make([]float64, len(result.Losses))
	for ii, loss := range result.Losses {
		perplexities[ii] = metrics.Perplexity(loss)
	}
	loss, perplexity := metrics.Mean(result.Losses), metrics.Mean(perplexities)
	klog.Infof("eval: step: %d, loss: %.4f, perplexity: %.4f", l.LoopStep, loss, perplexity)
	writer.Add(l.LoopStep, "loss", summary.TypeLoss, loss)
	writer.Add(l.LoopStep, "perplexity", summary.TypePerplexity, perplexity)
	return nil
}

// Export the trained model to pb_model_path, replacing whatever was there, and push it to the
// configured object storage, if any.
func (t *Trainer) Export() error {
	cfg := t.cfg
	_, err := servable.Export(t.ctx, servable.Options{
		Dir:       cfg.PbModelPath,
		ModelName: cfg.ModelName,
		Signature: servable.NewLanguageModelSignature(t.Model.VocabSize, t.Model.NumLayers, t.Model.HiddenSize),
		Vocab:     t.Vocab.Tokens(),
		Config:    cfg.Redacted(),
	})
	if err != nil {
		return err
	}
	if cfg.Export.S3.Enabled() {
		if _, err := servable.Push(stdcontext.Background(), cfg.PbModelPath, cfg.Export.S3); err != nil {
			return err
		}
	}
	return nil
}

// plotLosses is best effort: failures are only logged.
func (t *Trainer) plotLosses(writers ...*summary.Writer) {
	var points [2][]summary.Point
	for ii, w := range writers {
		if err := w.Close(); err != nil {
			klog.Warningf("failed to close summary %q: %v", w.Path(), err)
			return
		}
		var err error
		points[ii], err = summary.ReadPoints(filepath.Dir(w.Path()))
		if err != nil {
			klog.Warningf("failed to read summary: %v", err)
			return
		}
	}
	plotPath := filepath.Join(t.cfg.OutputPath, LossPlotFile)
	if err := summary.PlotLosses(t.cfg.ModelName, points[0], points[1], plotPath); err != nil {
		klog.Warningf("loss curves not plotted: %v", err)
		return
	}
	klog.Infof("loss curves plotted to %q", plotPath)
}

// Finalize frees the model computations.
func (t *Trainer) Finalize() {
	if t.Model != nil {
		t.Model.Finalize()
	}
}
