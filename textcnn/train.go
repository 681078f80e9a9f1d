// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textcnn

import (
	stdcontext "context"
	"encoding/json"
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

// Files saved along with the checkpoints, to keep token and label ids when resuming.
const (
	VocabFile  = "vocab.json"
	LabelsFile = "labels.json"
)

// LossPlotFile is the name of the loss curves image written under output_path at the end of training.
const LossPlotFile = "loss.png"

// Trainer of the TextCNN classifier.
type Trainer struct {
	cfg     *config.Config
	backend backends.Backend
	ctx     *context.Context

	Vocab           *Vocab
	Labels          *Labels
	TrainDS, EvalDS *Dataset
	Model           *Model

	checkpoint *checkpoints.Handler

	// ShowProgress attaches a progress bar to the training loop.
	ShowProgress bool
}

// NewTrainer validates the configuration, reads the train and eval data, and creates the model.
// If cfg sets a checkpoint directory with previous checkpoints, training resumes from the latest one.
func NewTrainer(backend backends.Backend, ctx *context.Context, cfg *config.Config) (*Trainer, error) {
	if err := cfg.ValidateClassifier(); err != nil {
		return nil, err
	}
	t := &Trainer{cfg: cfg, backend: backend, ctx: ctx}
	trainExamples, err := ReadExamples(cfg.TrainData, cfg.LabelSeparator)
	if err != nil {
		return nil, errors.WithMessage(err, "train data")
	}
	evalExamples, err := ReadExamples(cfg.EvalData, cfg.LabelSeparator)
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
	if err := t.buildVocabularies(trainExamples); err != nil {
		return nil, err
	}

	t.TrainDS, err = NewDataset("train", trainExamples, t.Vocab, t.Labels, cfg.BatchSize, cfg.SequenceLength)
	if err != nil {
		return nil, err
	}
	t.EvalDS, err = NewDataset("eval", evalExamples, t.Vocab, t.Labels, cfg.BatchSize, cfg.SequenceLength)
	if err != nil {
		return nil, err
	}
	klog.Infof("train size: %d examples, %d batches per epoch", t.TrainDS.NumExamples(), t.TrainDS.BatchesPerEpoch())
	klog.Infof("eval size: %d examples, %d batches", t.EvalDS.NumExamples(), t.EvalDS.BatchesPerEpoch())
	klog.Infof("vocabulary size: %d, number of labels: %d", t.Vocab.Size(), t.Labels.Size())
	if t.TrainDS.BatchesPerEpoch() == 0 {
		return nil, errors.Errorf("train data %q has fewer than batch_size=%d examples", cfg.TrainData, cfg.BatchSize)
	}

	t.Model, err = NewModel(backend, ctx, t.Vocab.Size(), t.Labels.Size())
	if err != nil {
		return nil, err
	}
	if err := t.initEmbeddings(); err != nil {
		t.Model.Finalize()
		return nil, err
	}
	return t, nil
}

// buildVocabularies builds the word vocabulary and the label set from the training examples, or reloads the
// ones saved with the checkpoints when resuming.
func (t *Trainer) buildVocabularies(trainExamples []Example) error {
	var vocabPath, labelsPath string
	if t.checkpoint != nil {
		vocabPath = filepath.Join(t.checkpoint.Dir(), VocabFile)
		labelsPath = filepath.Join(t.checkpoint.Dir(), LabelsFile)
		var vocabTokens, labelNames []string
		foundVocab, err := readJSONIfExists(vocabPath, &vocabTokens)
		if err != nil {
			return err
		}
		foundLabels, err := readJSONIfExists(labelsPath, &labelNames)
		if err != nil {
			return err
		}
		if foundVocab && foundLabels {
			if t.Vocab, err = NewVocab(vocabTokens); err != nil {
				return errors.WithMessagef(err, "vocabulary %q", vocabPath)
			}
			if t.Labels, err = NewLabels(labelNames); err != nil {
				return errors.WithMessagef(err, "labels %q", labelsPath)
			}
			klog.Infof("resuming with the vocabulary and labels in %q", t.checkpoint.Dir())
			return nil
		}
	}
	t.Vocab = BuildVocab(trainExamples, t.cfg.VocabSize)
	t.Labels = BuildLabels(trainExamples)
	if t.checkpoint == nil {
		return nil
	}
	if err := writeJSON(vocabPath, t.Vocab.Tokens()); err != nil {
		return err
	}
	return writeJSON(labelsPath, t.Labels.Names())
}

func readJSONIfExists(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read %q", path)
	}
	return true, errors.Wrapf(json.Unmarshal(data, v), "failed to parse %q", path)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %q", path)
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

// stepper scores the predictions of each step: the scores of the last training step are kept for
// logging, and the loss and scores of evaluation steps are accumulated in evalSeries.
type stepper struct {
	model      *Model
	threshold  float32
	lastScores metrics.MultiLabelScores
	evalSeries *metrics.Series
}

var _ loop.Stepper = (*stepper)(nil)

type stepFn func(tokens, labels *tensors.Tensor) (float64, [][]float32, error)

func (s *stepper) run(fn stepFn, inputs, labels []*tensors.Tensor) (float64, metrics.MultiLabelScores, error) {
	loss, predictions, err := fn(inputs[0], labels[0])
	if err != nil {
		return 0, metrics.MultiLabelScores{}, err
	}
	scores, err := metrics.MultiLabel(labels[0].Value().([][]float32), predictions, s.threshold)
	return loss, scores, err
}

// TrainStep implements loop.Stepper.
func (s *stepper) TrainStep(inputs, labels []*tensors.Tensor) (float64, error) {
	loss, scores, err := s.run(s.model.TrainStep, inputs, labels)
	if err != nil {
		return 0, err
	}
	s.lastScores = scores
	return loss, nil
}

// EvalStep implements loop.Stepper.
func (s *stepper) EvalStep(inputs, labels []*tensors.Tensor) (float64, error) {
	loss, scores, err := s.run(s.model.EvalStep, inputs, labels)
	if err != nil {
		return 0, err
	}
	s.evalSeries.Append("loss", loss)
	s.evalSeries.AppendScores(scores)
	return loss, nil
}

func metricType(name string) string {
	if name == "loss" {
		return summary.TypeLoss
	}
	return summary.TypeScore
}

// Train runs the configured number of epochs, evaluating and saving a checkpoint every checkpoint_every
// steps, and then saves a final checkpoint. If pb_model_path is set, the model is also exported there.
func (t *Trainer) Train() error {
	cfg := t.cfg
	s := &stepper{model: t.Model, threshold: float32(cfg.Threshold), evalSeries: metrics.NewSeries()}
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

	l.OnEpoch("epoch", 0, func(_ *loop.Loop, epoch int) error {
		klog.Infof("----- Epoch %d/%d -----", epoch+1, cfg.Epochs)
		return nil
	})
	l.OnStep("log", 0, func(l *loop.Loop, loss float64) error {
		step := l.LoopStep - 1
		values := append([]metrics.NamedValue{{Name: "loss", Value: loss}}, s.lastScores.Named()...)
		klog.Infof("train: step: %d, %s", step, metrics.FormatNamed(values))
		for _, nv := range values {
			trainWriter.Add(step, nv.Name, metricType(nv.Name), nv.Value)
		}
		return nil
	})
	err = loop.EveryNSteps(l, cfg.CheckpointEvery, "eval and checkpoint", 10, func(l *loop.Loop, _ float64) error {
		if err := t.evaluate(l, s, evalWriter); err != nil {
			return err
		}
		return t.saveCheckpoint()
	})
	if err != nil {
		return err
	}
	if t.ShowProgress {
		loop.AttachProgressBar(l, func() (string, string) {
			return metrics.NameMicroF1, fmt.Sprintf("%.3f", s.lastScores.MicroF1)
		})
	}

	if err := l.RunEpochs(t.TrainDS, cfg.Epochs); err != nil {
		return err
	}
	klog.Infof("training finished after %d steps, median step time %s", l.StepsDone(), l.MedianTrainStepDuration())
	if err := t.saveCheckpoint(); err != nil {
		return err
	}
	if cfg.PbModelPath != "" {
		if err := t.Export(); err != nil {
			return err
		}
	}
	t.plotLosses(trainWriter, evalWriter)
	return nil
}

// evaluate runs over the whole eval dataset and reports the means of the loss and scores of its batches.
func (t *Trainer) evaluate(l *loop.Loop, s *stepper, writer *summary.Writer) error {
	s.evalSeries.Reset()
	result, err := l.Evaluate(t.EvalDS)
	if err != nil {
		return err
	}
	if result.NumBatches() == 0 {
		klog.Warningf("eval: step: %d, no eval batches, nothing to report", l.LoopStep)
		return nil
	}
	means := s.evalSeries.Means()
	klog.Infof("eval: step: %d, %s", l.LoopStep, metrics.FormatNamed(means))
	names := make([]string, len(means))
	values := make([]float64, len(means))
	for ii, nv := range means {
		writer.Add(l.LoopStep, nv.Name, metricType(nv.Name), nv.Value)
		names[ii], values[ii] = nv.Name, nv.Value
	}
	if klog.V(1).Enabled() {
		klog.Info("\n" + summary.Table("eval", names, values))
	}
	return nil
}

func (t *Trainer) saveCheckpoint() error {
	if t.checkpoint == nil {
		return nil
	}
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint to %q", t.checkpoint.Dir())
	}
	klog.V(1).Infof("checkpoint saved to %q", t.checkpoint.Dir())
	return nil
}

// Export the trained model to pb_model_path, replacing whatever was there, and push it to the
// configured object storage, if any.
func (t *Trainer) Export() error {
	cfg := t.cfg
	_, err := servable.Export(t.ctx, servable.Options{
		Dir:       cfg.PbModelPath,
		ModelName: cfg.ModelName,
		Signature: servable.NewClassifierSignature(t.Model.SequenceLength, t.Model.NumLabels),
		Vocab:     t.Vocab.Tokens(),
		Labels:    t.Labels.Names(),
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
func (t *Trainer) plotLosses(trainWriter, evalWriter *summary.Writer) {
	var points [2][]summary.Point
	for ii, w := range []*summary.Writer{trainWriter, evalWriter} {
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
