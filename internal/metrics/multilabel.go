// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/pkg/errors"
)

// MultiLabelScores for one batch of multi-label predictions.
type MultiLabelScores struct {
	HammingLoss float64

	MacroF1, MacroPrecision, MacroRecall float64
	MicroF1, MicroPrecision, MicroRecall float64
}

// Metric names used when logging and in the summaries.
const (
	NameHammingLoss    = "hamming_loss"
	NameMacroF1        = "macro_f1"
	NameMacroPrecision = "macro_prec"
	NameMacroRecall    = "macro_rec"
	NameMicroF1        = "micro_f1"
	NameMicroPrecision = "micro_prec"
	NameMicroRecall    = "micro_rec"
)

// Named returns the scores with their names, in the order they are logged.
func (s MultiLabelScores) Named() []NamedValue {
	return []NamedValue{
		{NameHammingLoss, s.HammingLoss},
		{NameMacroF1, s.MacroF1},
		{NameMacroPrecision, s.MacroPrecision},
		{NameMacroRecall, s.MacroRecall},
		{NameMicroF1, s.MicroF1},
		{NameMicroPrecision, s.MicroPrecision},
		{NameMicroRecall, s.MicroRecall},
	}
}

// confusion counts for one label.
type confusion struct {
	truePos, falsePos, falseNeg int
}

func (c confusion) precision() float64 { return safeRatio(c.truePos, c.truePos+c.falsePos) }
func (c confusion) recall() float64    { return safeRatio(c.truePos, c.truePos+c.falseNeg) }

func safeRatio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// MultiLabel computes the scores of the predicted probabilities against the multi-hot labels. Both are
// shaped [batchSize][numLabels], and a label is predicted when its probability is >= threshold.
//
// Precision of a label never predicted, and recall of a label never present, are taken as 0.
func MultiLabel(labels, probs [][]float32, threshold float32) (MultiLabelScores, error) {
	var scores MultiLabelScores
	if len(labels) != len(probs) {
		return scores, errors.Errorf("MultiLabel: %d examples of labels but %d of predictions", len(labels), len(probs))
	}
	if len(labels) == 0 {
		return scores, errors.New("MultiLabel: empty batch")
	}
	numLabels := len(labels[0])
	perLabel := make([]confusion, numLabels)
	var mismatches int
	for exampleIdx := range labels {
		if len(labels[exampleIdx]) != numLabels || len(probs[exampleIdx]) != numLabels {
			return scores, errors.Errorf("MultiLabel: example #%d has %d labels and %d predictions, wanted %d",
				exampleIdx, len(labels[exampleIdx]), len(probs[exampleIdx]), numLabels)
		}
		for labelIdx := range numLabels {
			actual := labels[exampleIdx][labelIdx] > 0.5
			predicted := probs[exampleIdx][labelIdx] >= threshold
			c := &perLabel[labelIdx]
			switch {
			case actual && predicted:
				c.truePos++
			case predicted:
				c.falsePos++
				mismatches++
			case actual:
				c.falseNeg++
				mismatches++
			}
		}
	}

	var total confusion
	var sumPrecision, sumRecall, sumF1 float64
	for _, c := range perLabel {
		p, r := c.precision(), c.recall()
		sumPrecision += p
		sumRecall += r
		sumF1 += f1(p, r)
		total.truePos += c.truePos
		total.falsePos += c.falsePos
		total.falseNeg += c.falseNeg
	}
	scores.HammingLoss = safeRatio(mismatches, len(labels)*numLabels)
	if numLabels > 0 {
		scores.MacroPrecision = sumPrecision / float64(numLabels)
		scores.MacroRecall = sumRecall / float64(numLabels)
		scores.MacroF1 = sumF1 / float64(numLabels)
	}
	scores.MicroPrecision = total.precision()
	scores.MicroRecall = total.recall()
	scores.MicroF1 = f1(scores.MicroPrecision, scores.MicroRecall)
	return scores, nil
}
