// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package servable

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Files of an exported model.
const (
	ManifestFile  = "manifest.json"
	SignatureFile = "signature.json"
	VocabFile     = "vocab.json"
	LabelsFile    = "labels.json"
	ConfigFile    = "config.json"
	VariablesDir  = "variables"
)

// Media types of the manifest and its descriptors.
const (
	MediaTypeManifest  = "application/vnd.gomlx.textmodels.manifest.v1+json"
	MediaTypeSignature = "application/vnd.gomlx.textmodels.signature.v1+json"
	MediaTypeJSON      = "application/json"
	MediaTypeBinary    = "application/octet-stream"
)

// Annotations set on the manifest.
const (
	AnnotationModelName = "textmodels.gomlx.org/model-name"
	AnnotationCreated   = "textmodels.gomlx.org/created"
)

// Descriptor of one file of the export, with its path relative to the export directory.
type Descriptor struct {
	Name        string            `json:"name"`
	MediaType   string            `json:"mediaType,omitempty"`
	Digest      digest.Digest     `json:"digest,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Modified    time.Time         `json:"modified,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Manifest lists every file of an export. Config describes the signature, Blobs all the other files, sorted by name.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Config        Descriptor        `json:"config"`
	Blobs         []Descriptor      `json:"blobs"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Descriptors returns the config descriptor followed by the blobs.
func (m *Manifest) Descriptors() []Descriptor {
	return append([]Descriptor{m.Config}, m.Blobs...)
}

// TotalSize of the files described.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, desc := range m.Descriptors() {
		total += desc.Size
	}
	return total
}

func mediaTypeFor(name string) string {
	switch {
	case name == SignatureFile:
		return MediaTypeSignature
	case strings.HasSuffix(name, ".json"):
		return MediaTypeJSON
	}
	return MediaTypeBinary
}

// describeFile computes the descriptor of the file at dir/name.
func describeFile(dir, name string) (Descriptor, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to compute digest of %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to stat %q", path)
	}
	return Descriptor{
		Name:      name,
		MediaType: mediaTypeFor(name),
		Digest:    dgst,
		Size:      info.Size(),
		Modified:  info.ModTime().UTC(),
	}, nil
}

// listFiles returns the slash separated paths, relative to dir, of all regular files under dir except the manifest.
func listFiles(dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != ManifestFile {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", dir)
	}
	slices.Sort(names)
	return names, nil
}

// BuildManifest describes all files currently in dir. The signature file must be present.
func BuildManifest(dir string, annotations map[string]string) (*Manifest, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(names, SignatureFile) {
		return nil, errors.Errorf("export %q has no %s", dir, SignatureFile)
	}
	m := &Manifest{
		SchemaVersion: 1,
		MediaType:     MediaTypeManifest,
		Blobs:         make([]Descriptor, 0, len(names)-1),
		Annotations:   annotations,
	}
	for _, name := range names {
		desc, err := describeFile(dir, name)
		if err != nil {
			return nil, err
		}
		if name == SignatureFile {
			m.Config = desc
		} else {
			m.Blobs = append(m.Blobs, desc)
		}
	}
	return m, nil
}

// ReadManifest reads the manifest of the model exported in dir.
func ReadManifest(dir string) (*Manifest, error) {
	m := &Manifest{}
	if err := readJSON(filepath.Join(dir, ManifestFile), m); err != nil {
		return nil, err
	}
	return m, nil
}

// Verify checks that the files in dir are exactly the ones listed in its manifest, with the same sizes and digests.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	names, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	listed := make(map[string]bool, len(names))
	for _, want := range m.Descriptors() {
		listed[want.Name] = true
		got, err := describeFile(dir, want.Name)
		if err != nil {
			return nil, errors.WithMessagef(err, "export %q is missing a file listed in its manifest", dir)
		}
		if got.Size != want.Size || got.Digest != want.Digest {
			return nil, errors.Errorf("file %q in export %q was modified: manifest has %s (%d bytes), file has %s (%d bytes)",
				want.Name, dir, want.Digest, want.Size, got.Digest, got.Size)
		}
	}
	for _, name := range names {
		if !listed[name] {
			return nil, errors.Errorf("file %q in export %q is not listed in its manifest", name, dir)
		}
	}
	return m, nil
}
