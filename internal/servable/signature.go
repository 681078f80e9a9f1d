// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package servable

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Signature names of the exported models.
const (
	LanguageModelSignature = "language_model"
	ClassifierSignature    = "classifier"

	// MethodPredict is the only method exported.
	MethodPredict = "predict"
)

// Names of the inputs and outputs of the signatures.
const (
	InputTokens       = "inputs"
	InputInitialState = "initial_state"
	InputKeepProb     = "keep_prob"
	OutputPredictions = "predictions"
	OutputFinalState  = "final_state"
)

// Dynamic marks an axis whose dimension is only known when the model is called, e.g. the batch size.
const Dynamic = -1

// TensorInfo describes one input or output of a Signature.
type TensorInfo struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func tensorInfo(dtype dtypes.DType, dims ...int) TensorInfo {
	if dims == nil {
		dims = []int{}
	}
	return TensorInfo{DType: dtype.String(), Shape: dims}
}

// Signature describes how to call an exported model.
type Signature struct {
	Name    string                `json:"name"`
	Method  string                `json:"method"`
	Inputs  map[string]TensorInfo `json:"inputs"`
	Outputs map[string]TensorInfo `json:"outputs"`
}

// NewLanguageModelSignature for the char-RNN: it takes token ids shaped [batch, sequence], the recurrent state
// shaped [num_layers, 2, batch, hidden] and the keep probability of the dropout (1 when serving), and returns
// the next-token probabilities shaped [batch, sequence, vocab] and the final state.
func NewLanguageModelSignature(vocabSize, numLayers, hiddenSize int) Signature {
	state := tensorInfo(dtypes.Float32, numLayers, 2, Dynamic, hiddenSize)
	return Signature{
		Name:   LanguageModelSignature,
		Method: MethodPredict,
		Inputs: map[string]TensorInfo{
			InputTokens:       tensorInfo(dtypes.Int32, Dynamic, Dynamic),
			InputInitialState: state,
			InputKeepProb:     tensorInfo(dtypes.Float32),
		},
		Outputs: map[string]TensorInfo{
			OutputPredictions: tensorInfo(dtypes.Float32, Dynamic, Dynamic, vocabSize),
			OutputFinalState:  state,
		},
	}
}

// NewClassifierSignature for the TextCNN: it takes padded token ids shaped [batch, sequence_length] and returns
// the per-label probabilities shaped [batch, num_labels].
func NewClassifierSignature(sequenceLength, numLabels int) Signature {
	return Signature{
		Name:   ClassifierSignature,
		Method: MethodPredict,
		Inputs: map[string]TensorInfo{
			InputTokens:   tensorInfo(dtypes.Int32, Dynamic, sequenceLength),
			InputKeepProb: tensorInfo(dtypes.Float32),
		},
		Outputs: map[string]TensorInfo{
			OutputPredictions: tensorInfo(dtypes.Float32, Dynamic, numLabels),
		},
	}
}

// ReadSignature reads the signature of the model exported in dir.
func ReadSignature(dir string) (Signature, error) {
	var sig Signature
	err := readJSON(filepath.Join(dir, SignatureFile), &sig)
	return sig, err
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %q", path)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
