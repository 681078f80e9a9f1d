// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerplexity(t *testing.T) {
	assert.InDelta(t, 1.0, Perplexity(0), 1e-12)
	assert.InDelta(t, math.E, Perplexity(1), 1e-12)

	below := Perplexity(299.999)
	assert.False(t, math.IsInf(below, 0), "perplexity just below the limit should be finite")
	assert.InEpsilon(t, math.Exp(299.999), below, 1e-12)

	assert.True(t, math.IsInf(Perplexity(300), 1))
	assert.True(t, math.IsInf(Perplexity(1e6), 1))
}

func TestMean(t *testing.T) {
	assert.True(t, math.IsNaN(Mean([]float64{})))
	assert.True(t, math.IsNaN(Mean[float32](nil)))
	assert.Equal(t, 2.0, Mean([]float32{1, 2, 3}))
	assert.Equal(t, 2.5, Mean([]int{1, 2, 3, 4}))
}

func TestSeries(t *testing.T) {
	s := NewSeries()
	s.Append("loss", 1)
	s.Append("acc", 0.5)
	s.Append("loss", 3)
	require.Equal(t, []string{"loss", "acc"}, s.names())
	assert.Equal(t, 2, s.count("loss"))

	means := s.Means()
	require.Len(t, means, 2)
	assert.Equal(t, NamedValue{"loss", 2}, means[0])
	assert.Equal(t, NamedValue{"acc", 0.5}, means[1])
	assert.Equal(t, "loss: 2, acc: 0.5", FormatNamed(means))

	s.Reset()
	assert.Equal(t, 0, s.count("loss"))
	assert.True(t, math.IsNaN(s.Means()[0].Value))
}

func TestSeriesAppendScoresOncePerBatch(t *testing.T) {
	s := NewSeries()
	scores := MultiLabelScores{HammingLoss: 0.1, MacroF1: 0.2, MacroPrecision: 0.3, MacroRecall: 0.4,
		MicroF1: 0.5, MicroPrecision: 0.6, MicroRecall: 0.7}
	s.AppendScores(scores)
	s.AppendScores(scores)
	for _, name := range s.names() {
		assert.Equal(t, 2, s.count(name), "series %q", name)
	}
	assert.Equal(t, []float64{0.4, 0.4}, s.valuesOf(NameMacroRecall))
}

func TestMultiLabel(t *testing.T) {
	labels := [][]float32{
		{1, 0, 1},
		{0, 1, 0},
	}
	probs := [][]float32{
		{0.9, 0.6, 0.2}, // TP, FP, FN
		{0.1, 0.7, 0.1}, // TN, TP, TN
	}
	scores, err := MultiLabel(labels, probs, 0.5)
	require.NoError(t, err)

	// 2 mismatches out of 6 entries.
	assert.InDelta(t, 2.0/6.0, scores.HammingLoss, 1e-9)

	// Per label: #0 P=1 R=1; #1 P=0.5 R=1; #2 P=0 (never predicted) R=0.
	assert.InDelta(t, (1+0.5+0)/3.0, scores.MacroPrecision, 1e-9)
	assert.InDelta(t, (1+1+0)/3.0, scores.MacroRecall, 1e-9)
	assert.InDelta(t, (1+2.0/3.0+0)/3.0, scores.MacroF1, 1e-9)

	// Totals: TP=2, FP=1, FN=1.
	assert.InDelta(t, 2.0/3.0, scores.MicroPrecision, 1e-9)
	assert.InDelta(t, 2.0/3.0, scores.MicroRecall, 1e-9)
	assert.InDelta(t, 2.0/3.0, scores.MicroF1, 1e-9)
}

func TestMultiLabelPerfectAndErrors(t *testing.T) {
	labels := [][]float32{{1, 0}, {0, 1}}
	scores, err := MultiLabel(labels, [][]float32{{0.8, 0.3}, {0.1, 0.99}}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, scores.HammingLoss)
	assert.Equal(t, 1.0, scores.MacroF1)
	assert.Equal(t, 1.0, scores.MicroF1)

	_, err = MultiLabel(labels, [][]float32{{0.8, 0.3}}, 0.5)
	require.Error(t, err)
	_, err = MultiLabel(nil, nil, 0.5)
	require.Error(t, err)
	_, err = MultiLabel(labels, [][]float32{{0.8}, {0.1, 0.2}}, 0.5)
	require.Error(t, err)
}
