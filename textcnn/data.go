// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package textcnn trains a convolutional multi-label text classifier: each example is a text with zero or
// more labels, and the model predicts one independent probability per label.
package textcnn

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reserved tokens of the word vocabulary.
const (
	PadToken     = "<PAD>"
	UnknownToken = "<UNK>"

	PadID     = 0
	UnknownID = 1
)

// Columns of the CSV data files.
const (
	TextColumn   = "text"
	LabelsColumn = "labels"
)

// Example is one tokenized text and its labels.
type Example struct {
	Tokens []string
	Labels []string
}

// Tokenize lower-cases the text and splits it on white space.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// ReadExamples reads a CSV file with a header holding at least the columns "text" and "labels".
// Labels of an example are separated by labelSeparator, and empty labels are ignored.
func ReadExamples(path, labelSeparator string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	return parseExamples(f, path, labelSeparator)
}

func parseExamples(r io.Reader, name, labelSeparator string) ([]Example, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues(nil))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse CSV %q", name)
	}
	for _, column := range []string{TextColumn, LabelsColumn} {
		if !slices.Contains(df.Names(), column) {
			return nil, errors.Errorf("CSV %q has no %q column, got columns %q", name, column, df.Names())
		}
	}
	texts := df.Col(TextColumn).Records()
	labels := df.Col(LabelsColumn).Records()
	examples := make([]Example, len(texts))
	for ii, text := range texts {
		examples[ii].Tokens = Tokenize(text)
		for _, label := range strings.Split(labels[ii], labelSeparator) {
			if label = strings.TrimSpace(label); label != "" {
				examples[ii].Labels = append(examples[ii].Labels, label)
			}
		}
	}
	return examples, nil
}

// Vocab maps words to token ids. Ids 0 and 1 are reserved for padding and unknown words.
type Vocab struct {
	tokens []string
	ids    map[string]int32
}

// NewVocab creates a vocabulary from its list of tokens, which must start with PadToken and UnknownToken.
func NewVocab(tokens []string) (*Vocab, error) {
	if len(tokens) < 2 || tokens[PadID] != PadToken || tokens[UnknownID] != UnknownToken {
		return nil, errors.Errorf("vocabulary must start with %q and %q", PadToken, UnknownToken)
	}
	v := &Vocab{tokens: tokens, ids: make(map[string]int32, len(tokens))}
	for ii, token := range tokens {
		if _, found := v.ids[token]; found {
			return nil, errors.Errorf("token %q repeated in vocabulary", token)
		}
		v.ids[token] = int32(ii)
	}
	return v, nil
}

// BuildVocab creates the vocabulary of the examples: the reserved tokens followed by the words ordered
// by decreasing frequency, ties broken alphabetically. If maxSize > 0, the vocabulary (reserved tokens
// included) is cut to maxSize tokens.
func BuildVocab(examples []Example, maxSize int) *Vocab {
	counts := make(map[string]int)
	for _, ex := range examples {
		for _, token := range ex.Tokens {
			counts[token]++
		}
	}
	delete(counts, PadToken)
	delete(counts, UnknownToken)
	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	slices.SortFunc(words, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return strings.Compare(a, b)
	})
	tokens := append([]string{PadToken, UnknownToken}, words...)
	if maxSize > 0 && len(tokens) > max(maxSize, 2) {
		tokens = tokens[:max(maxSize, 2)]
	}
	v, _ := NewVocab(tokens)
	return v
}

// Size of the vocabulary, reserved tokens included.
func (v *Vocab) Size() int { return len(v.tokens) }

// Tokens returns the token of each id.
func (v *Vocab) Tokens() []string { return v.tokens }

// Encode the tokens into exactly seqLen ids: longer texts are truncated and shorter ones padded.
func (v *Vocab) Encode(tokens []string, seqLen int) []int32 {
	ids := make([]int32, seqLen) // Zeros are PadID.
	for ii, token := range tokens[:min(len(tokens), seqLen)] {
		id, found := v.ids[token]
		if !found {
			id = UnknownID
		}
		ids[ii] = id
	}
	return ids
}

// Labels is the sorted set of label names, each label index being a model output.
type Labels struct {
	names []string
	index map[string]int
}

// NewLabels creates the label set from its names, which must be unique.
func NewLabels(names []string) (*Labels, error) {
	l := &Labels{names: names, index: make(map[string]int, len(names))}
	for ii, name := range names {
		if _, found := l.index[name]; found {
			return nil, errors.Errorf("label %q repeated", name)
		}
		l.index[name] = ii
	}
	return l, nil
}

// BuildLabels collects the labels of the examples, sorted.
func BuildLabels(examples []Example) *Labels {
	var names []string
	for _, ex := range examples {
		names = append(names, ex.Labels...)
	}
	slices.Sort(names)
	l, _ := NewLabels(slices.Compact(names))
	return l
}

// Size is the number of labels.
func (l *Labels) Size() int { return len(l.names) }

// Names of the labels, in index order.
func (l *Labels) Names() []string { return l.names }

// MultiHot returns a vector with 1 at the index of each of the labels and 0 elsewhere, and the labels
// that are not in the set.
func (l *Labels) MultiHot(labels []string) (vec []float32, unknown []string) {
	vec = make([]float32, len(l.names))
	for _, label := range labels {
		idx, found := l.index[label]
		if !found {
			unknown = append(unknown, label)
			continue
		}
		vec[idx] = 1
	}
	return
}

// Dataset yields batches of encoded examples, in their original order. The final partial batch is dropped.
//
// Each batch yields inputs int32 shaped [batchSize, sequenceLength] and labels float32 shaped
// [batchSize, numLabels].
//
// It implements train.Dataset.
type Dataset struct {
	name                     string
	inputs                   []int32
	labels                   []float32
	batchSize, seqLen        int
	numLabels, numExamples   int
	numBatches, next         int
	numUnknownLabelsExamples int
}

var (
	_ train.Dataset                = (*Dataset)(nil)
	_ train.DatasetCustomOwnership = (*Dataset)(nil)
)

// NewDataset encodes the examples with the vocabulary and labels. Labels not in the label set are dropped
// with a warning.
func NewDataset(name string, examples []Example, vocab *Vocab, labels *Labels, batchSize, seqLen int) (*Dataset, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, errors.Errorf("dataset %q: batch_size (%d) and sequence_length (%d) must be positive", name, batchSize, seqLen)
	}
	if labels.Size() == 0 {
		return nil, errors.Errorf("dataset %q: no labels", name)
	}
	ds := &Dataset{
		name:        name,
		inputs:      make([]int32, 0, len(examples)*seqLen),
		labels:      make([]float32, 0, len(examples)*labels.Size()),
		batchSize:   batchSize,
		seqLen:      seqLen,
		numLabels:   labels.Size(),
		numExamples: len(examples),
		numBatches:  len(examples) / batchSize,
	}
	unknown := make(map[string]int)
	for _, ex := range examples {
		ds.inputs = append(ds.inputs, vocab.Encode(ex.Tokens, seqLen)...)
		vec, exUnknown := labels.MultiHot(ex.Labels)
		ds.labels = append(ds.labels, vec...)
		if len(exUnknown) > 0 {
			ds.numUnknownLabelsExamples++
			for _, label := range exUnknown {
				unknown[label]++
			}
		}
	}
	if len(unknown) > 0 {
		klog.Warningf("dataset %q: %d examples have labels unknown to the model, dropped: %v",
			name, ds.numUnknownLabelsExamples, unknown)
	}
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() { ds.next = 0 }

// NumExamples in the dataset, including the ones of the dropped final partial batch.
func (ds *Dataset) NumExamples() int { return ds.numExamples }

// BatchesPerEpoch returns the number of batches yielded before io.EOF.
func (ds *Dataset) BatchesPerEpoch() int { return ds.numBatches }

// IsOwnershipTransferred implements train.DatasetCustomOwnership: the consumer owns the yielded tensors.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }

// Yield implements train.Dataset. It returns io.EOF after the last full batch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	start, end := ds.next*ds.batchSize, (ds.next+1)*ds.batchSize
	ds.next++
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(
		slices.Clone(ds.inputs[start*ds.seqLen:end*ds.seqLen]), ds.batchSize, ds.seqLen)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(
		slices.Clone(ds.labels[start*ds.numLabels:end*ds.numLabels]), ds.batchSize, ds.numLabels)}
	return nil, inputs, labels, nil
}
