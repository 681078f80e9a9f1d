// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary writes the training and evaluation summaries of a run: streams of metric points,
// one JSON object per line, under `<output_path>/summary/{train,eval}`.
//
// The points can be read back with ReadPoints, printed with Table and plotted with PlotLosses.
package summary

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metric types, used to group metrics when plotting.
const (
	TypeLoss       = "loss"
	TypePerplexity = "perplexity"
	TypeScore      = "score"
)

// EventsFilePrefix and EventsFileSuffix of the files written in a summary directory.
const (
	EventsFilePrefix = "events."
	EventsFileSuffix = ".jsonl"
)

// Point is one measurement of a metric.
type Point struct {
	// Metric name, e.g. "loss" or "macro_f1".
	Metric string `json:"metric"`

	// Split is either "train" or "eval".
	Split string `json:"split"`

	// Type typically will be "loss", "perplexity" or "score".
	// It's used in plotting to aggregate similar metric types in the same plot.
	Type string `json:"type"`

	// Step is the global step this metric was measured.
	Step int `json:"step"`

	// Value is the metric captured.
	Value float64 `json:"value"`
}

type pointAlias Point

// jsonPoint encodes non-finite values (e.g. an infinite perplexity) as the strings "NaN", "+Inf" or "-Inf",
// since JSON has no representation for them.
type jsonPoint struct {
	pointAlias
	Value any `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (p Point) MarshalJSON() ([]byte, error) {
	jp := jsonPoint{pointAlias: pointAlias(p), Value: p.Value}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		jp.Value = strconv.FormatFloat(p.Value, 'g', -1, 64)
	}
	return json.Marshal(jp)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var jp jsonPoint
	if err := json.Unmarshal(data, &jp); err != nil {
		return err
	}
	*p = Point(jp.pointAlias)
	switch v := jp.Value.(type) {
	case float64:
		p.Value = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid value %q for metric %q", v, p.Metric)
		}
		p.Value = f
	default:
		return errors.Errorf("invalid value %v for metric %q", jp.Value, p.Metric)
	}
	return nil
}

// Writer of summary points to one events file. Points are encoded asynchronously.
//
// A Writer must be closed, which flushes and closes the file and returns the first error that happened
// while writing, if any.
type Writer struct {
	split   string
	path    string
	points  chan Point
	errDone chan error
	closed  bool
}

// NewWriter creates dir if needed and a new events file in it. The split name is stored in every point written.
func NewWriter(dir, split string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create summary directory %q", dir)
	}
	path := filepath.Join(dir, EventsFilePrefix+uuid.NewString()+EventsFileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create summary file %q", path)
	}
	w := &Writer{
		split:   split,
		path:    path,
		points:  make(chan Point, 100),
		errDone: make(chan error, 1),
	}
	go w.drain(f)
	return w, nil
}

// drain encodes the points until the channel is closed. After the first error, points are discarded.
func (w *Writer) drain(f *os.File) {
	enc := json.NewEncoder(f)
	var err error
	for point := range w.points {
		if err != nil {
			continue
		}
		if err = enc.Encode(point); err != nil {
			err = errors.Wrapf(err, "failed to encode point %v into %q", point, w.path)
			klog.Errorf("Error: %v", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close summary file %q", w.path)
	}
	w.errDone <- err
}

// Path of the events file being written.
func (w *Writer) Path() string { return w.path }

// Add a point for the metric at the given step.
func (w *Writer) Add(step int, metric, metricType string, value float64) {
	w.points <- Point{Metric: metric, Split: w.split, Type: metricType, Step: step, Value: value}
}

// Close flushes the pending points and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w == nil || w.closed {
		return nil
	}
	w.closed = true
	close(w.points)
	return <-w.errDone
}

// ReadPoints reads all points of all events files in dir, sorted by step (stable with respect to
// the order they were written within each file).
func ReadPoints(dir string) ([]Point, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list summary directory %q", dir)
	}
	var points []Point
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, EventsFilePrefix) || !strings.HasSuffix(name, EventsFileSuffix) {
			continue
		}
		filePoints, err := readFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		points = append(points, filePoints...)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Step < points[j].Step })
	return points, nil
}

func readFile(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read summary file %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding summary file %q", path)
		}
		points = append(points, point)
	}
	return points, nil
}
