// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wordvec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "vectors.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAndTable(t *testing.T) {
	path := writeFile(t, "2 3\nthe 1 2 3\n\" 0.5 0.5 0.5\n\n")
	vecs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, vecs.Dim)
	assert.Len(t, vecs.Tokens, 2)

	table, err := vecs.Table([]string{"<UNK>", "the", `"`}, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, table.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](table)
	assert.Equal(t, []float32{1, 2, 3}, flat[3:6])
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, flat[6:9])
	for _, v := range flat[:3] {
		assert.LessOrEqual(t, float64(v), InitScale)
		assert.GreaterOrEqual(t, float64(v), -InitScale)
	}

	// Same seed, same table.
	table2, err := vecs.Table([]string{"<UNK>", "the", `"`}, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, flat, tensors.MustCopyFlatData[float32](table2))

	_, err = vecs.Table([]string{"the"}, 4, 42)
	require.ErrorContains(t, err, "embedding_size")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	_, err = Load(writeFile(t, "a 1 2\nb 1\n"))
	require.ErrorContains(t, err, "has 1 values")
	_, err = Load(writeFile(t, "a 1 x\n"))
	require.Error(t, err)
	_, err = Load(writeFile(t, "lonely\n"))
	require.Error(t, err)
	_, err = Load(writeFile(t, ""))
	require.Error(t, err)
}
