// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the host-side aggregation helpers used when reporting training and evaluation
// results: means over per-batch values, perplexity and the multi-label classification scores.
//
// Everything here works on plain Go values already copied out of the computation graph, so it can be
// used from the training loop hooks without touching the backend.
package metrics

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

// MaxLossForPerplexity is the loss at (and above) which Perplexity reports +Inf instead of
// calling math.Exp.
const MaxLossForPerplexity = 300.0

// Perplexity returns exp(loss), or +Inf if loss >= MaxLossForPerplexity.
func Perplexity(loss float64) float64 {
	if loss < MaxLossForPerplexity {
		return math.Exp(loss)
	}
	return math.Inf(1)
}

// Mean of the values. The mean of an empty slice is NaN.
func Mean[T constraints.Float | constraints.Integer](values []T) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	floats := make([]float64, len(values))
	for ii, v := range values {
		floats[ii] = float64(v)
	}
	return stat.Mean(floats, nil)
}

// Series accumulates named sequences of values, typically one value per batch, to be
// reduced to their means at reporting time.
//
// Names are reported in the order they were first appended.
type Series struct {
	order  []string
	values map[string][]float64
}

// NewSeries creates an empty Series.
func NewSeries() *Series {
	return &Series{values: make(map[string][]float64)}
}

// Append value to the series with the given name.
func (s *Series) Append(name string, value float64) {
	if _, found := s.values[name]; !found {
		s.order = append(s.order, name)
	}
	s.values[name] = append(s.values[name], value)
}

// AppendScores appends each of the multi-label scores to its own series.
func (s *Series) AppendScores(scores MultiLabelScores) {
	for _, kv := range scores.Named() {
		s.Append(kv.Name, kv.Value)
	}
}

// count returns the number of values appended under name.
func (s *Series) count(name string) int {
	return len(s.values[name])
}

// valuesOf returns the values appended under name. The returned slice should not be modified.
func (s *Series) valuesOf(name string) []float64 {
	return s.values[name]
}

// names in insertion order.
func (s *Series) names() []string {
	return slices.Clone(s.order)
}

// Means returns the mean of each series, in insertion order.
func (s *Series) Means() []NamedValue {
	means := make([]NamedValue, 0, len(s.order))
	for _, name := range s.order {
		means = append(means, NamedValue{Name: name, Value: Mean(s.values[name])})
	}
	return means
}

// Reset drops all the values but keeps the names.
func (s *Series) Reset() {
	for key := range s.values {
		s.values[key] = s.values[key][:0]
	}
}

// NamedValue is a metric name and its value.
type NamedValue struct {
	Name  string
	Value float64
}

// FormatNamed formats the values as "name: value" pairs separated by commas, the format used in the log lines.
func FormatNamed(values []NamedValue) string {
	parts := make([]string, 0, len(values))
	for _, nv := range values {
		parts = append(parts, fmt.Sprintf("%s: %g", nv.Name, nv.Value))
	}
	return strings.Join(parts, ", ")
}
