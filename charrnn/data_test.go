// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charrnn

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocab(t *testing.T) {
	v := BuildVocab("abbccc c")
	// 'c' (4), then 'b' (2), then ' ' and 'a' (1 each) ordered by rune.
	assert.Equal(t, []string{UnknownToken, "c", "b", " ", "a"}, v.Tokens())
	assert.Equal(t, 5, v.Size())
	assert.Equal(t, []int32{4, 2, 1, 0}, v.Encode("abcz"))
	assert.Equal(t, "abc�", v.Decode([]int32{4, 2, 1, 0}))
	assert.Equal(t, "�", v.Decode([]int32{17}))

	path := filepath.Join(t.TempDir(), VocabFile)
	require.NoError(t, v.Save(path))
	loaded, err := LoadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, v.Tokens(), loaded.Tokens())
	assert.Equal(t, v.Encode("cab "), loaded.Encode("cab "))

	// Multi-byte runes are single tokens.
	v = BuildVocab("ééa")
	assert.Equal(t, []string{UnknownToken, "é", "a"}, v.Tokens())
}

func TestDataset(t *testing.T) {
	ids := make([]int32, 21)
	for ii := range ids {
		ids[ii] = int32(ii)
	}
	// 2 rows of 10 (id 20 is dropped), 3 batches of length 3 per row (the 10th id of each row is dropped).
	ds, err := NewDataset("test", ids, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 3, ds.BatchesPerEpoch())

	inputs, targets := ds.Batch(0)
	assert.Equal(t, []int32{0, 1, 2, 10, 11, 12}, inputs)
	assert.Equal(t, []int32{1, 2, 3, 11, 12, 13}, targets)

	for epoch := range 2 {
		var count int
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{2, 3}, labels[0].Shape().Dimensions)
			if count == 1 {
				assert.Equal(t, [][]int32{{3, 4, 5}, {13, 14, 15}}, inputs[0].Value(), "epoch %d", epoch)
			}
			count++
		}
		assert.Equal(t, 3, count)
		ds.Reset()
	}
}

func TestDatasetWrapsTargets(t *testing.T) {
	ids := []int32{5, 6, 7, 8, 9, 10}
	// 2 rows of exactly 3: the last target of each row wraps to its first id.
	ds, err := NewDataset("wrap", ids, 2, 3)
	require.NoError(t, err)
	inputs, targets := ds.Batch(0)
	assert.Equal(t, []int32{5, 6, 7, 8, 9, 10}, inputs)
	assert.Equal(t, []int32{6, 7, 5, 9, 10, 8}, targets)

	_, yInputs, yLabels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, inputs, tensors.MustCopyFlatData[int32](yInputs[0]))
	assert.Equal(t, targets, tensors.MustCopyFlatData[int32](yLabels[0]))
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestDatasetErrors(t *testing.T) {
	_, err := NewDataset("zero", []int32{1, 2, 3}, 0, 3)
	require.Error(t, err)

	_, err = ReadText(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestDatasetTooShort(t *testing.T) {
	for _, ids := range [][]int32{nil, {1, 2, 3}} {
		ds, err := NewDataset("short", ids, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, ds.BatchesPerEpoch())
		_, _, _, err = ds.Yield()
		assert.Equal(t, io.EOF, err)
	}

	emptyPath := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, nil, 0o644))
	text, err := ReadText(emptyPath)
	require.NoError(t, err)
	assert.Empty(t, text)
}
