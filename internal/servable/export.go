// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package servable writes trained models as self-contained export directories: the model variables, the
// signature used to call the model, its vocabulary and labels, the training configuration, and a manifest
// with the digest of every file.
//
// An export directory is always written from scratch: Export removes whatever was there before.
package servable

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options for Export.
type Options struct {
	// Dir where to export the model. Anything already in it is removed.
	Dir string

	// ModelName is recorded in the manifest annotations.
	ModelName string

	Signature Signature

	// Vocab is the token of each id. Required.
	Vocab []string

	// Labels is the name of each output label, for classifiers. Optional.
	Labels []string

	// Config is saved as config.json, if not nil.
	Config any
}

type exportFile struct {
	name  string
	value any
}

// Export writes the trainable variables of ctx and the files described in Options into opts.Dir, replacing
// its previous contents, and returns the manifest written.
//
// Non-trainable variables (the optimizer state and the global step) and the hyperparameters are not exported.
func Export(ctx *context.Context, opts Options) (*Manifest, error) {
	if opts.Dir == "" {
		return nil, errors.New("export directory not given")
	}
	if len(opts.Vocab) == 0 {
		return nil, errors.Errorf("export to %q requires a vocabulary", opts.Dir)
	}
	if err := os.RemoveAll(opts.Dir); err != nil {
		return nil, errors.Wrapf(err, "failed to remove previous export in %q", opts.Dir)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create export directory %q", opts.Dir)
	}
	if err := saveVariables(ctx, filepath.Join(opts.Dir, VariablesDir)); err != nil {
		return nil, err
	}

	files := []exportFile{{SignatureFile, opts.Signature}, {VocabFile, opts.Vocab}}
	if len(opts.Labels) > 0 {
		files = append(files, exportFile{LabelsFile, opts.Labels})
	}
	if opts.Config != nil {
		files = append(files, exportFile{ConfigFile, opts.Config})
	}
	for _, file := range files {
		if err := writeJSON(filepath.Join(opts.Dir, file.name), file.value); err != nil {
			return nil, err
		}
	}

	m, err := BuildManifest(opts.Dir, map[string]string{
		AnnotationModelName: opts.ModelName,
		AnnotationCreated:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(opts.Dir, ManifestFile), m); err != nil {
		return nil, err
	}
	klog.Infof("exported %s model to %q: %d files", opts.Signature.Name, opts.Dir, len(m.Descriptors()))
	return m, nil
}

// saveVariables saves the trainable variables of ctx as a single checkpoint in dir.
func saveVariables(ctx *context.Context, dir string) error {
	// The checkpoint handler records the global step, which creates it if it's not there yet: create it first
	// so it is excluded along with the other non-trainable variables.
	_ = optimizers.GetGlobalStepVar(ctx)
	var excluded []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			excluded = append(excluded, v)
		}
	}
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		ExcludeAllParams().
		ExcludeVars(excluded...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create variables checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save variables into %q", dir)
	}
	return nil
}

// LoadVariables loads the variables of the model exported in dir into ctx.
// Variables already in ctx are overwritten.
func LoadVariables(ctx *context.Context, dir string) error {
	_, err := checkpoints.Load(ctx).
		Dir(filepath.Join(dir, VariablesDir)).
		ExcludeAllParams().
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load variables exported in %q", dir)
	}
	return nil
}

// ReadVocab reads the vocabulary of the model exported in dir.
func ReadVocab(dir string) ([]string, error) {
	var vocab []string
	err := readJSON(filepath.Join(dir, VocabFile), &vocab)
	return vocab, err
}

// ReadLabels reads the labels of the classifier exported in dir.
func ReadLabels(dir string) ([]string, error) {
	var labels []string
	err := readJSON(filepath.Join(dir, LabelsFile), &labels)
	return labels, err
}
