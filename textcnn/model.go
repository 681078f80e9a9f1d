// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textcnn

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/pkg/errors"
)

// DType of the model variables.
var DType = dtypes.Float32

// Scope and name of the embedding table variable.
const (
	EmbeddingScope    = "embedding"
	EmbeddingVariable = "embeddings"
)

// Model is the convolutional text classifier: a word embedding, one convolution per filter size with
// max-over-time pooling, and a dense layer to one logit per label.
type Model struct {
	backend backends.Backend
	ctx     *context.Context

	VocabSize, EmbeddingSize, SequenceLength, NumLabels, NumFilters int
	FilterSizes                                                    []int
	KeepProb                                                       float64

	optimizer                        optimizers.Interface
	trainExec, evalExec, predictExec *context.Exec
}

// NewModel creates the model with the hyperparameters in ctx (see config.ContextParams).
// The L2 regularization of the convolution kernels and of the dense layer is read by the GoMLX layers
// from regularizers.ParamL2.
func NewModel(backend backends.Backend, ctx *context.Context, vocabSize, numLabels int) (*Model, error) {
	m := &Model{
		backend:        backend,
		ctx:            ctx,
		VocabSize:      vocabSize,
		NumLabels:      numLabels,
		EmbeddingSize:  context.GetParamOr(ctx, config.ParamEmbeddingSize, 128),
		SequenceLength: context.GetParamOr(ctx, config.ParamSequenceLength, 0),
		NumFilters:     context.GetParamOr(ctx, config.ParamNumFilters, 0),
		FilterSizes:    context.GetParamOr(ctx, config.ParamFilterSizes, []int{3, 4, 5}),
		KeepProb:       context.GetParamOr(ctx, config.ParamKeepProb, 1.0),
	}
	if m.VocabSize <= 0 || m.NumLabels <= 0 || m.EmbeddingSize <= 0 || m.SequenceLength <= 0 || m.NumFilters <= 0 {
		return nil, errors.Errorf("invalid TextCNN dimensions: vocab_size=%d, num_labels=%d, embedding_size=%d, sequence_length=%d, num_filters=%d",
			m.VocabSize, m.NumLabels, m.EmbeddingSize, m.SequenceLength, m.NumFilters)
	}
	if len(m.FilterSizes) == 0 || slices.ContainsFunc(m.FilterSizes, func(k int) bool { return k <= 0 || k > m.SequenceLength }) {
		return nil, errors.Errorf("filter_sizes %v must be in [1, sequence_length=%d]", m.FilterSizes, m.SequenceLength)
	}
	if m.KeepProb <= 0 || m.KeepProb > 1 {
		return nil, errors.Errorf("keep_prob must be in (0, 1], got %g", m.KeepProb)
	}
	err := exceptions.TryCatch[error](func() { m.optimizer = optimizers.FromContext(ctx) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create optimizer")
	}

	varsCtx := ctx.Checked(false)
	if m.trainExec, err = context.NewExecAny(backend, varsCtx, m.trainGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create train step")
	}
	if m.evalExec, err = context.NewExecAny(backend, varsCtx, m.evalGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create eval step")
	}
	if m.predictExec, err = context.NewExecAny(backend, varsCtx, m.predictGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create predict step")
	}
	return m, nil
}

// SetEmbeddings sets the initial value of the embedding table, shaped [VocabSize, EmbeddingSize].
// It must be called before the first step.
func (m *Model) SetEmbeddings(table *tensors.Tensor) error {
	want := shapes.Make(DType, m.VocabSize, m.EmbeddingSize)
	if !table.Shape().Equal(want) {
		return errors.Errorf("embedding table shaped %s, wanted %s", table.Shape(), want)
	}
	return exceptions.TryCatch[error](func() {
		m.ctx.Checked(false).In(EmbeddingScope).VariableWithValue(EmbeddingVariable, table)
	})
}

// EmbeddingParameterName is the name of the embedding table as saved in checkpoints.
func (m *Model) EmbeddingParameterName() string {
	return context.VariableParameterNameFromScopeAndName(m.ctx.In(EmbeddingScope).Scope(), EmbeddingVariable)
}

// ModelGraph returns the logits shaped [batchSize, NumLabels] for tokens shaped [batchSize, SequenceLength].
//
// Dropout with dropoutRate, if not nil, is applied to the pooled features when training.
func (m *Model) ModelGraph(ctx *context.Context, tokens, dropoutRate *Node) *Node {
	g := tokens.Graph()
	batchSize := tokens.Shape().Dim(0)
	tokens.AssertDims(batchSize, m.SequenceLength)

	embeddings := ctx.In(EmbeddingScope).
		VariableWithShape(EmbeddingVariable, shapes.Make(DType, m.VocabSize, m.EmbeddingSize)).
		ValueGraph(g)
	x := Gather(embeddings, InsertAxes(tokens, -1)) // [batchSize, SequenceLength, EmbeddingSize]

	pooled := make([]*Node, len(m.FilterSizes))
	for ii, kernelSize := range m.FilterSizes {
		convCtx := ctx.Inf("conv_%d", kernelSize)
		// [batchSize, SequenceLength-kernelSize+1, NumFilters] -> [batchSize, NumFilters]
		conv := layers.Convolution(convCtx, x).KernelSize(kernelSize).Channels(m.NumFilters).Strides(1).Done()
		pooled[ii] = ReduceMax(activations.Relu(conv), 1)
	}
	features := Concatenate(pooled, -1)
	if dropoutRate != nil {
		features = layers.Dropout(ctx, features, dropoutRate)
	}
	logits := layers.Dense(ctx.In("output"), features, true, m.NumLabels)
	logits.AssertDims(batchSize, m.NumLabels)
	return logits
}

// lossGraph is the mean sigmoid cross-entropy of the logits for the multi-hot labels.
func lossGraph(logits, labels *Node) *Node {
	return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{labels}, []*Node{logits}))
}

// trainGraph optimizes the loss plus the L2 regularization of the layers, and returns the loss without
// the regularization, so train and eval losses are comparable.
func (m *Model) trainGraph(ctx *context.Context, tokens, labels *Node) (loss, predictions *Node) {
	g := tokens.Graph()
	ctx.SetTraining(g, true)
	var dropoutRate *Node
	if m.KeepProb < 1 {
		dropoutRate = Scalar(g, DType, 1-m.KeepProb)
	}
	logits := m.ModelGraph(ctx, tokens, dropoutRate)
	loss = lossGraph(logits, labels)
	train.AddLoss(ctx, loss)
	m.optimizer.UpdateGraph(ctx, g, train.GetLosses(ctx, g))
	return loss, Sigmoid(logits)
}

func (m *Model) evalGraph(ctx *context.Context, tokens, labels *Node) (loss, predictions *Node) {
	ctx.SetTraining(tokens.Graph(), false)
	logits := m.ModelGraph(ctx, tokens, nil)
	return lossGraph(logits, labels), Sigmoid(logits)
}

func (m *Model) predictGraph(ctx *context.Context, tokens, keepProb *Node) *Node {
	ctx.SetTraining(tokens.Graph(), false)
	return Sigmoid(m.ModelGraph(ctx, tokens, OneMinus(keepProb)))
}

func runStep(exec *context.Exec, tokens, labels *tensors.Tensor) (loss float64, predictions [][]float32, err error) {
	lossT, predictionsT, err := exec.Exec2(tokens, labels)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = lossT.FinalizeAll()
		_ = predictionsT.FinalizeAll()
	}()
	return float64(tensors.ToScalar[float32](lossT)), predictionsT.Value().([][]float32), nil
}

// TrainStep runs one optimization step on tokens, int32 shaped [batchSize, SequenceLength], and multi-hot
// labels, float32 shaped [batchSize, NumLabels]. It returns the loss and the predicted probabilities
// (before the update).
func (m *Model) TrainStep(tokens, labels *tensors.Tensor) (loss float64, predictions [][]float32, err error) {
	loss, predictions, err = runStep(m.trainExec, tokens, labels)
	return loss, predictions, errors.WithMessage(err, "TextCNN train step")
}

// EvalStep computes the loss and the predicted probabilities without changing the model.
func (m *Model) EvalStep(tokens, labels *tensors.Tensor) (loss float64, predictions [][]float32, err error) {
	loss, predictions, err = runStep(m.evalExec, tokens, labels)
	return loss, predictions, errors.WithMessage(err, "TextCNN eval step")
}

// Predict returns the probability of each label, shaped [batchSize, NumLabels]. This is the computation of
// the exported signature.
func (m *Model) Predict(tokens *tensors.Tensor) (*tensors.Tensor, error) {
	predictions, err := m.predictExec.Exec1(tokens, float32(1))
	return predictions, errors.WithMessage(err, "TextCNN predict")
}

// Finalize frees the compiled computations.
func (m *Model) Finalize() {
	for _, exec := range []*context.Exec{m.trainExec, m.evalExec, m.predictExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
}
