// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wordvec loads pretrained token embeddings stored as text, one token per line followed by the values
// of its vector, all separated by spaces (the GloVe and word2vec text format).
//
// Vectors are used to initialize the embedding table of a model: tokens without a pretrained vector get
// small random values.
package wordvec

import (
	"bufio"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitScale is the range [-InitScale, InitScale] of the random values of tokens without a pretrained vector.
var InitScale = 0.1

// Vectors maps tokens to their embedding.
type Vectors struct {
	Dim    int
	Tokens map[string][]float32
}

// Load the vectors in path. A first line with only two integers (the word2vec header: count and dimension)
// is skipped. All vectors must have the same dimension.
func Load(path string) (*Vectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open word vectors %q", path)
	}
	defer func() { _ = f.Close() }()

	vecs := &Vectors{Tokens: make(map[string][]float32)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if lineNum == 1 && len(fields) == 2 && isInt(fields[0]) && isInt(fields[1]) {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("%s:%d: token %q has no vector values", path, lineNum, fields[0])
		}
		values := make([]float32, len(fields)-1)
		for ii, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: invalid value for token %q", path, lineNum, fields[0])
			}
			values[ii] = float32(v)
		}
		if vecs.Dim == 0 {
			vecs.Dim = len(values)
		} else if len(values) != vecs.Dim {
			return nil, errors.Errorf("%s:%d: token %q has %d values, previous tokens had %d",
				path, lineNum, fields[0], len(values), vecs.Dim)
		}
		vecs.Tokens[fields[0]] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read word vectors %q", path)
	}
	if len(vecs.Tokens) == 0 {
		return nil, errors.Errorf("no word vectors found in %q", path)
	}
	return vecs, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// Table builds the initial embedding table for vocab, shaped [len(vocab), dim]. Rows of tokens with a pretrained
// vector take its values, the others are drawn uniformly from [-InitScale, InitScale] with the given seed.
func (vecs *Vectors) Table(vocab []string, dim int, seed int64) (*tensors.Tensor, error) {
	if vecs.Dim != dim {
		return nil, errors.Errorf("word vectors have dimension %d, but embedding_size is %d", vecs.Dim, dim)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	flat := make([]float32, len(vocab)*dim)
	found := 0
	for row, token := range vocab {
		values := flat[row*dim : (row+1)*dim]
		if vec, ok := vecs.Tokens[token]; ok {
			copy(values, vec)
			found++
			continue
		}
		for ii := range values {
			values[ii] = float32((2*rng.Float64() - 1) * InitScale)
		}
	}
	klog.Infof("word vectors: %d of %d tokens found", found, len(vocab))
	return tensors.FromFlatDataAndDimensions(flat, len(vocab), dim), nil
}
