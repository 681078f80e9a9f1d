// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package servable

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *mlctx.Context {
	ctx := mlctx.New()
	ctx.In("dense").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.In("optimizers").VariableWithValue("moment", []float32{9, 9}).SetTrainable(false)
	return ctx
}

func TestExportOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "export")
	ctx := newTestContext()

	_, err := Export(ctx, Options{
		Dir:       dir,
		ModelName: "test",
		Signature: NewClassifierSignature(10, 3),
		Vocab:     []string{"<PAD>", "<UNK>", "a"},
		Labels:    []string{"x", "y", "z"},
		Config:    map[string]int{"epochs": 1},
	})
	require.NoError(t, err)
	names, err := listFiles(dir)
	require.NoError(t, err)
	assert.Contains(t, names, LabelsFile)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("stale"), 0o644))

	// Second export, without labels or config: only the new files must remain.
	m, err := Export(ctx, Options{
		Dir:       dir,
		ModelName: "test",
		Signature: NewLanguageModelSignature(3, 2, 8),
		Vocab:     []string{"<UNK>", "a", "b"},
	})
	require.NoError(t, err)
	names, err = listFiles(dir)
	require.NoError(t, err)
	assert.NotContains(t, names, LabelsFile)
	assert.NotContains(t, names, ConfigFile)
	assert.NotContains(t, names, "stale.txt")
	assert.Len(t, m.Descriptors(), len(names))
	assert.Equal(t, SignatureFile, m.Config.Name)
	assert.Equal(t, "test", m.Annotations[AnnotationModelName])

	verified, err := Verify(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Config.Digest, verified.Config.Digest)

	sig, err := ReadSignature(dir)
	require.NoError(t, err)
	assert.Equal(t, LanguageModelSignature, sig.Name)
	assert.Equal(t, MethodPredict, sig.Method)
	assert.Contains(t, sig.Inputs, InputTokens)
	assert.Contains(t, sig.Inputs, InputInitialState)
	assert.Contains(t, sig.Inputs, InputKeepProb)
	assert.Contains(t, sig.Outputs, OutputPredictions)
	assert.Contains(t, sig.Outputs, OutputFinalState)
	assert.Equal(t, []int{2, 2, Dynamic, 8}, sig.Inputs[InputInitialState].Shape)
	assert.Equal(t, []int{}, sig.Inputs[InputKeepProb].Shape)

	vocab, err := ReadVocab(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"<UNK>", "a", "b"}, vocab)
}

func TestExportErrors(t *testing.T) {
	ctx := newTestContext()
	_, err := Export(ctx, Options{Vocab: []string{"a"}})
	require.Error(t, err)
	_, err = Export(ctx, Options{Dir: t.TempDir()})
	require.Error(t, err)
}

func TestVerifyDetectsChanges(t *testing.T) {
	export := func(t *testing.T) string {
		dir := filepath.Join(t.TempDir(), "export")
		_, err := Export(newTestContext(), Options{
			Dir:       dir,
			Signature: NewClassifierSignature(5, 2),
			Vocab:     []string{"<PAD>", "<UNK>"},
			Labels:    []string{"a", "b"},
		})
		require.NoError(t, err)
		return dir
	}

	t.Run("modified", func(t *testing.T) {
		dir := export(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(`["<PAD>"]`), 0o644))
		_, err := Verify(dir)
		require.ErrorContains(t, err, "modified")
	})
	t.Run("missing", func(t *testing.T) {
		dir := export(t)
		require.NoError(t, os.Remove(filepath.Join(dir, LabelsFile)))
		_, err := Verify(dir)
		require.Error(t, err)
	})
	t.Run("extra", func(t *testing.T) {
		dir := export(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, VariablesDir, "extra.bin"), []byte{1}, 0o644))
		_, err := Verify(dir)
		require.ErrorContains(t, err, "not listed")
	})
}

func TestLoadVariables(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "export")
	_, err := Export(newTestContext(), Options{
		Dir:       dir,
		Signature: NewClassifierSignature(5, 2),
		Vocab:     []string{"<PAD>", "<UNK>"},
	})
	require.NoError(t, err)

	ctx := mlctx.New()
	require.NoError(t, LoadVariables(ctx, dir))
	v := ctx.GetVariableByScopeAndName("/dense", "weights")
	require.NotNil(t, v)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())
	assert.Nil(t, ctx.GetVariableByScopeAndName("/optimizers", "moment"), "non-trainable variables are not exported")

	require.Error(t, LoadVariables(mlctx.New(), t.TempDir()))
}

type fakeUploader struct {
	bucket string
	keys   []string
	bodies map[string][]byte
}

func (u *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	u.bucket = aws.ToString(input.Bucket)
	key := aws.ToString(input.Key)
	u.keys = append(u.keys, key)
	u.bodies[key] = body
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestPushWith(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "export")
	m, err := Export(newTestContext(), Options{
		Dir:       dir,
		Signature: NewClassifierSignature(5, 2),
		Vocab:     []string{"<PAD>", "<UNK>"},
	})
	require.NoError(t, err)

	up := &fakeUploader{bodies: make(map[string][]byte)}
	keys, err := PushWith(context.Background(), up, dir, "models", "runs/1")
	require.NoError(t, err)
	assert.Equal(t, "models", up.bucket)
	assert.Equal(t, keys, up.keys)
	assert.Len(t, keys, len(m.Descriptors())+1)
	assert.Equal(t, "runs/1/"+ManifestFile, keys[len(keys)-1])
	assert.Equal(t, "runs/1/"+SignatureFile, keys[0])
	signature, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	require.NoError(t, err)
	assert.Equal(t, signature, up.bodies["runs/1/"+SignatureFile])

	// A tampered export is not pushed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(`[]`), 0o644))
	up = &fakeUploader{bodies: make(map[string][]byte)}
	_, err = PushWith(context.Background(), up, dir, "models", "runs/1")
	require.Error(t, err)
	assert.Empty(t, up.keys)
}
