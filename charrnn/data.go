// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charrnn

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"unicode/utf8"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UnknownToken is the token of id 0, used for characters not seen in the training data.
const UnknownToken = "<UNK>"

// Vocab maps characters to token ids. Id 0 is reserved for unknown characters.
type Vocab struct {
	runes []rune // runes[0] is unused: id 0 is UnknownToken.
	ids   map[rune]int32
}

// BuildVocab creates the vocabulary of text: the characters ordered by decreasing frequency, ties
// broken by the character code, after UnknownToken.
func BuildVocab(text string) *Vocab {
	counts := make(map[rune]int)
	for _, r := range text {
		counts[r]++
	}
	runes := make([]rune, 0, len(counts))
	for r := range counts {
		runes = append(runes, r)
	}
	slices.SortFunc(runes, func(a, b rune) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return int(a - b)
	})
	return newVocab(runes)
}

func newVocab(runes []rune) *Vocab {
	v := &Vocab{
		runes: append([]rune{utf8.RuneError}, runes...),
		ids:   make(map[rune]int32, len(runes)),
	}
	for ii, r := range runes {
		v.ids[r] = int32(ii + 1)
	}
	return v
}

// Size of the vocabulary, including UnknownToken.
func (v *Vocab) Size() int { return len(v.runes) }

// Encode text into token ids.
func (v *Vocab) Encode(text string) []int32 {
	ids := make([]int32, 0, len(text))
	for _, r := range text {
		ids = append(ids, v.ids[r])
	}
	return ids
}

// Decode token ids back to text. Unknown ids are decoded as utf8.RuneError.
func (v *Vocab) Decode(ids []int32) string {
	runes := make([]rune, len(ids))
	for ii, id := range ids {
		if id <= 0 || int(id) >= len(v.runes) {
			runes[ii] = utf8.RuneError
			continue
		}
		runes[ii] = v.runes[id]
	}
	return string(runes)
}

// Tokens returns the token of each id, starting with UnknownToken.
func (v *Vocab) Tokens() []string {
	tokens := make([]string, len(v.runes))
	tokens[0] = UnknownToken
	for ii, r := range v.runes[1:] {
		tokens[ii+1] = string(r)
	}
	return tokens
}

// Save the vocabulary as a JSON list of tokens.
func (v *Vocab) Save(path string) error {
	data, err := json.Marshal(v.Tokens())
	if err != nil {
		return errors.Wrap(err, "failed to encode vocabulary")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write vocabulary to %q", path)
}

// LoadVocab reads a vocabulary saved with Vocab.Save.
func LoadVocab(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", path)
	}
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary %q", path)
	}
	if len(tokens) == 0 || tokens[0] != UnknownToken {
		return nil, errors.Errorf("vocabulary %q must start with %q", path, UnknownToken)
	}
	runes := make([]rune, 0, len(tokens)-1)
	for _, token := range tokens[1:] {
		r, size := utf8.DecodeRuneInString(token)
		if size == 0 || size != len(token) {
			return nil, errors.Errorf("vocabulary %q has an invalid character token %q", path, token)
		}
		runes = append(runes, r)
	}
	return newVocab(runes), nil
}

// ReadText reads the whole file in path. An empty file yields an empty text.
func ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %q", path)
	}
	return string(data), nil
}

// Dataset yields windows of a stream of token ids, laid out as batchSize contiguous rows: row r holds the
// r-th contiguous part of the stream, so consecutive batches continue each row where the previous one stopped,
// and the recurrent state can be carried over from one batch to the next.
//
// Each batch yields inputs and targets, both int32 shaped [batchSize, sequenceLength]. The target of a position
// is the next token of the row; the last position of a row takes the first token of the row.
//
// It implements train.Dataset.
type Dataset struct {
	name              string
	rows              [][]int32
	batchSize, seqLen int
	numBatches, next  int
}

var (
	_ train.Dataset                = (*Dataset)(nil)
	_ train.DatasetCustomOwnership = (*Dataset)(nil)
)

// NewDataset creates a Dataset over ids. The tail of the stream that doesn't fill all the rows is dropped,
// and so is the final partial window of the rows. A stream too short for one batch yields no batches.
func NewDataset(name string, ids []int32, batchSize, seqLen int) (*Dataset, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, errors.Errorf("dataset %q: batch_size (%d) and sequence_length (%d) must be positive", name, batchSize, seqLen)
	}
	rowLen := len(ids) / batchSize
	numBatches := rowLen / seqLen
	if numBatches == 0 {
		klog.Warningf("dataset %q: %d tokens are not enough for one batch of %d sequences of length %d",
			name, len(ids), batchSize, seqLen)
	}
	ds := &Dataset{
		name:       name,
		rows:       make([][]int32, batchSize),
		batchSize:  batchSize,
		seqLen:     seqLen,
		numBatches: numBatches,
	}
	for r := range batchSize {
		ds.rows[r] = ids[r*rowLen : (r+1)*rowLen]
	}
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() { ds.next = 0 }

// BatchesPerEpoch returns the number of batches yielded before io.EOF.
func (ds *Dataset) BatchesPerEpoch() int { return ds.numBatches }

// IsOwnershipTransferred implements train.DatasetCustomOwnership: the consumer owns the yielded tensors.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }

// Yield implements train.Dataset. It returns io.EOF after the last batch of the epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	batchInputs, batchTargets := ds.Batch(ds.next)
	ds.next++
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchInputs, ds.batchSize, ds.seqLen)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchTargets, ds.batchSize, ds.seqLen)}
	return nil, inputs, labels, nil
}

// Batch returns the flat inputs and targets of batch idx, each with batchSize*sequenceLength values.
func (ds *Dataset) Batch(idx int) (inputs, targets []int32) {
	inputs = make([]int32, 0, ds.batchSize*ds.seqLen)
	targets = make([]int32, 0, ds.batchSize*ds.seqLen)
	start := idx * ds.seqLen
	for _, row := range ds.rows {
		inputs = append(inputs, row[start:start+ds.seqLen]...)
		for pos := start + 1; pos <= start+ds.seqLen; pos++ {
			if pos == len(row) {
				targets = append(targets, row[0])
			} else {
				targets = append(targets, row[pos])
			}
		}
	}
	return inputs, targets
}
