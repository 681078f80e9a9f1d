// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charrnn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/pkg/errors"
)

// DType of the model variables and of the recurrent state.
var DType = dtypes.Float32

// Scope and name of the embedding table variable.
const (
	EmbeddingScope    = "embedding"
	EmbeddingVariable = "embeddings"
)

// Model is the character-level recurrent language model: a token embedding, a stack of LSTM layers and
// a dense projection to the vocabulary.
//
// The recurrent state of all layers is passed explicitly in and out of each computation, shaped
// [numLayers, 2, batchSize, hiddenSize], where index 0 of the second axis holds the hidden state (h) and
// index 1 the cell state (c) of the layer.
type Model struct {
	backend backends.Backend
	ctx     *context.Context

	VocabSize, EmbeddingSize, HiddenSize, NumLayers int
	KeepProb                                        float64

	optimizer                        optimizers.Interface
	trainExec, evalExec, predictExec *context.Exec
}

// NewModel creates the model with the hyperparameters in ctx (see config.ContextParams), for the given
// vocabulary size.
func NewModel(backend backends.Backend, ctx *context.Context, vocabSize int) (*Model, error) {
	m := &Model{
		backend:       backend,
		ctx:           ctx,
		VocabSize:     vocabSize,
		EmbeddingSize: context.GetParamOr(ctx, config.ParamEmbeddingSize, 128),
		HiddenSize:    context.GetParamOr(ctx, config.ParamHiddenSize, 0),
		NumLayers:     context.GetParamOr(ctx, config.ParamNumLayers, 1),
		KeepProb:      context.GetParamOr(ctx, config.ParamKeepProb, 1.0),
	}
	if m.VocabSize <= 0 || m.EmbeddingSize <= 0 || m.HiddenSize <= 0 || m.NumLayers <= 0 {
		return nil, errors.Errorf("invalid char-RNN dimensions: vocab_size=%d, embedding_size=%d, hidden_size=%d, num_layers=%d",
			m.VocabSize, m.EmbeddingSize, m.HiddenSize, m.NumLayers)
	}
	if m.KeepProb <= 0 || m.KeepProb > 1 {
		return nil, errors.Errorf("keep_prob must be in (0, 1], got %g", m.KeepProb)
	}
	err := exceptions.TryCatch[error](func() { m.optimizer = optimizers.FromContext(ctx) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create optimizer")
	}

	// Variables are created by whichever computation is built first, and reused by the others.
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

// Context of the model, holding its variables and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

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

// ZeroState returns the initial recurrent state for a batch of the given size.
func (m *Model) ZeroState(batchSize int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(
		make([]float32, m.NumLayers*2*batchSize*m.HiddenSize),
		m.NumLayers, 2, batchSize, m.HiddenSize)
}

// ModelGraph returns the logits shaped [batchSize, sequenceLength, VocabSize] for tokens shaped
// [batchSize, sequenceLength], and the final recurrent state.
//
// Dropout is applied to the output of each LSTM layer with dropoutRate, if not nil, only when training.
func (m *Model) ModelGraph(ctx *context.Context, tokens, state, dropoutRate *Node) (logits, finalState *Node) {
	g := tokens.Graph()
	batchSize := tokens.Shape().Dim(0)
	state.AssertDims(m.NumLayers, 2, batchSize, m.HiddenSize)

	embeddings := ctx.In(EmbeddingScope).
		VariableWithShape(EmbeddingVariable, shapes.Make(DType, m.VocabSize, m.EmbeddingSize)).
		ValueGraph(g)
	x := Gather(embeddings, InsertAxes(tokens, -1)) // [batchSize, sequenceLength, EmbeddingSize]

	finalStates := make([]*Node, m.NumLayers)
	for layer := range m.NumLayers {
		layerCtx := ctx.Inf("lstm_%02d", layer)
		layerState := Squeeze(Slice(state, AxisElem(layer)), 0) // [2, batchSize, HiddenSize]
		h0 := Slice(layerState, AxisElem(0))
		c0 := Slice(layerState, AxisElem(1))
		allHidden, lastHidden, lastCell := lstm.New(layerCtx, x, m.HiddenSize).InitialStates(h0, c0).Done()
		// allHidden: [sequenceLength, 1, batchSize, HiddenSize] -> [batchSize, sequenceLength, HiddenSize]
		x = Transpose(Squeeze(allHidden, 1), 0, 1)
		if dropoutRate != nil {
			x = layers.Dropout(layerCtx, x, dropoutRate)
		}
		finalStates[layer] = Concatenate([]*Node{lastHidden, lastCell}, 0)
	}
	logits = layers.Dense(ctx.In("output"), x, true, m.VocabSize)
	finalState = Stack(finalStates, 0)
	return
}

// lossGraph is the mean cross-entropy of the logits for the targets, shaped [batchSize, sequenceLength].
func lossGraph(logits, targets *Node) *Node {
	perToken := losses.SparseCategoricalCrossEntropyLogits([]*Node{InsertAxes(targets, -1)}, []*Node{logits})
	return ReduceAllMean(perToken)
}

// trainGraph optimizes the loss plus any regularization registered by the layers, and returns the loss
// without the regularization, the same as evalGraph.
func (m *Model) trainGraph(ctx *context.Context, tokens, targets, state *Node) (loss, finalState *Node) {
	g := tokens.Graph()
	ctx.SetTraining(g, true)
	var dropoutRate *Node
	if m.KeepProb < 1 {
		dropoutRate = Scalar(g, DType, 1-m.KeepProb)
	}
	logits, finalState := m.ModelGraph(ctx, tokens, state, dropoutRate)
	loss = lossGraph(logits, targets)
	train.AddLoss(ctx, loss)
	m.optimizer.UpdateGraph(ctx, g, train.GetLosses(ctx, g))
	return loss, finalState
}

func (m *Model) evalGraph(ctx *context.Context, tokens, targets, state *Node) (loss, finalState *Node) {
	ctx.SetTraining(tokens.Graph(), false)
	logits, finalState := m.ModelGraph(ctx, tokens, state, nil)
	return lossGraph(logits, targets), finalState
}

// predictGraph takes keepProb for compatibility with the exported signature: dropout is never applied
// outside of training.
func (m *Model) predictGraph(ctx *context.Context, tokens, state, keepProb *Node) (predictions, finalState *Node) {
	ctx.SetTraining(tokens.Graph(), false)
	logits, finalState := m.ModelGraph(ctx, tokens, state, OneMinus(keepProb))
	return Softmax(logits, -1), finalState
}

// runStep executes exec and returns the scalar loss and the final state.
func runStep(exec *context.Exec, args ...any) (loss float64, finalState *tensors.Tensor, err error) {
	lossT, finalState, err := exec.Exec2(args...)
	if err != nil {
		return 0, nil, err
	}
	loss = float64(tensors.ToScalar[float32](lossT))
	if err = lossT.FinalizeAll(); err != nil {
		return 0, nil, err
	}
	return loss, finalState, nil
}

// TrainStep runs one optimization step on tokens and targets, both int32 shaped [batchSize, sequenceLength],
// starting from state. It returns the loss and the final state; the caller owns the returned state.
func (m *Model) TrainStep(tokens, targets, state *tensors.Tensor) (loss float64, finalState *tensors.Tensor, err error) {
	loss, finalState, err = runStep(m.trainExec, tokens, targets, state)
	return loss, finalState, errors.WithMessage(err, "char-RNN train step")
}

// EvalStep computes the loss on tokens and targets, starting from state, without changing the model.
func (m *Model) EvalStep(tokens, targets, state *tensors.Tensor) (loss float64, finalState *tensors.Tensor, err error) {
	loss, finalState, err = runStep(m.evalExec, tokens, targets, state)
	return loss, finalState, errors.WithMessage(err, "char-RNN eval step")
}

// Predict returns the next-token probabilities shaped [batchSize, sequenceLength, VocabSize] for tokens,
// starting from state, and the final state. This is the computation of the exported signature.
func (m *Model) Predict(tokens, state *tensors.Tensor) (predictions, finalState *tensors.Tensor, err error) {
	predictions, finalState, err = m.predictExec.Exec2(tokens, state, float32(1))
	return predictions, finalState, errors.WithMessage(err, "char-RNN predict")
}

// Finalize frees the compiled computations.
func (m *Model) Finalize() {
	for _, exec := range []*context.Exec{m.trainExec, m.evalExec, m.predictExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
}
