// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loop

import (
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDataset yields numBatches batches, each with a scalar input holding the batch index.
type countingDataset struct {
	name       string
	numBatches int
	next       int
	yields     int
	resets     int
}

func (ds *countingDataset) Name() string { return ds.name }
func (ds *countingDataset) Reset() {
	ds.next = 0
	ds.resets++
}
func (ds *countingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	idx := ds.next
	ds.next++
	ds.yields++
	return nil, []*tensors.Tensor{tensors.FromValue(int32(idx))}, []*tensors.Tensor{tensors.FromValue(float32(idx))}, nil
}

// recordingStepper records the order of train and eval steps and returns a fixed loss.
type recordingStepper struct {
	events []string
	loss   float64
	delay  time.Duration
}

func (s *recordingStepper) TrainStep(inputs, _ []*tensors.Tensor) (float64, error) {
	time.Sleep(s.delay)
	s.events = append(s.events, fmt.Sprintf("train:%d", tensors.ToScalar[int32](inputs[0])))
	return s.loss, nil
}

func (s *recordingStepper) EvalStep(inputs, _ []*tensors.Tensor) (float64, error) {
	s.events = append(s.events, fmt.Sprintf("eval:%d", tensors.ToScalar[int32](inputs[0])))
	return s.loss + float64(tensors.ToScalar[int32](inputs[0])), nil
}

func (s *recordingStepper) count(prefix string) int {
	n := 0
	for _, e := range s.events {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func TestRunEpochsStepCount(t *testing.T) {
	for _, tc := range []struct{ epochs, batches int }{{1, 1}, {3, 4}, {2, 7}} {
		t.Run(fmt.Sprintf("E=%d,B=%d", tc.epochs, tc.batches), func(t *testing.T) {
			stepper := &recordingStepper{loss: 1}
			ds := &countingDataset{name: "train", numBatches: tc.batches}
			l := New(stepper)
			var epochsSeen []int
			l.OnEpoch("epochs", 0, func(_ *Loop, epoch int) error {
				epochsSeen = append(epochsSeen, epoch)
				return nil
			})
			require.NoError(t, l.RunEpochs(ds, tc.epochs))
			assert.Equal(t, tc.epochs*tc.batches, stepper.count("train:"))
			assert.Equal(t, tc.epochs*tc.batches, l.LoopStep)
			assert.Equal(t, tc.epochs*tc.batches, l.EndStep)
			assert.Equal(t, tc.epochs, ds.resets)
			assert.Len(t, epochsSeen, tc.epochs)
			assert.Len(t, l.TrainStepDurations, tc.epochs*tc.batches)

			// Batch order is preserved within each epoch.
			for ii, e := range stepper.events {
				assert.Equal(t, fmt.Sprintf("train:%d", ii%tc.batches), e)
			}
		})
	}
}

func TestEvaluateEveryNSteps(t *testing.T) {
	const epochs, batches, evalEvery, evalBatches = 3, 5, 4, 2
	stepper := &recordingStepper{loss: 1}
	trainDS := &countingDataset{name: "train", numBatches: batches}
	evalDS := &countingDataset{name: "eval", numBatches: evalBatches}
	l := New(stepper)
	var evalSteps []int
	require.NoError(t, EveryNSteps(l, evalEvery, "eval", 0, func(loop *Loop, _ float64) error {
		evalSteps = append(evalSteps, loop.LoopStep)
		result, err := loop.Evaluate(evalDS)
		if err != nil {
			return err
		}
		assert.Equal(t, evalBatches, result.NumBatches())
		assert.Equal(t, []float64{1, 2}, result.Losses)
		return nil
	}))
	require.NoError(t, l.RunEpochs(trainDS, epochs))

	assert.Equal(t, []int{4, 8, 12}, evalSteps)
	assert.Equal(t, epochs*batches, stepper.count("train:"))
	assert.Equal(t, len(evalSteps)*evalBatches, stepper.count("eval:"))

	// Each evaluation consumes the entire eval stream in one block, between two training steps.
	trainSteps := 0
	for ii := 0; ii < len(stepper.events); ii++ {
		if stepper.events[ii][:5] == "train" {
			trainSteps++
			continue
		}
		assert.Equal(t, 0, trainSteps%evalEvery, "eval started after %d train steps", trainSteps)
		for jj := range evalBatches {
			assert.Equal(t, fmt.Sprintf("eval:%d", jj), stepper.events[ii+jj])
		}
		ii += evalBatches - 1
	}
}

func TestEvaluateEmpty(t *testing.T) {
	l := New(&recordingStepper{})
	result, err := l.Evaluate(&countingDataset{name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NumBatches())
}

func TestRunEpochsErrors(t *testing.T) {
	l := New(&recordingStepper{loss: math.NaN()})
	err := l.RunEpochs(&countingDataset{numBatches: 3}, 1)
	require.ErrorContains(t, err, "NaN")

	l = New(&recordingStepper{loss: math.Inf(1)})
	require.ErrorContains(t, l.RunEpochs(&countingDataset{numBatches: 3}, 1), "infinity")

	l = New(&recordingStepper{loss: 1})
	require.Error(t, l.RunEpochs(&countingDataset{numBatches: 0}, 1))
	require.Error(t, l.RunEpochs(&countingDataset{numBatches: 1}, 0))

	l = New(&recordingStepper{loss: 1})
	l.OnStep("failing", 0, func(*Loop, float64) error { return io.ErrUnexpectedEOF })
	err = l.RunEpochs(&countingDataset{numBatches: 1}, 1)
	require.ErrorContains(t, err, "failing")
	require.Error(t, EveryNSteps(l, 0, "bad", 0, nil))
}

func TestHookPriority(t *testing.T) {
	l := New(&recordingStepper{loss: 1})
	var order []string
	for _, p := range []Priority{10, -1, 0} {
		l.OnEnd(fmt.Sprintf("p%d", p), p, func(*Loop) error {
			order = append(order, fmt.Sprintf("p%d", p))
			return nil
		})
	}
	require.NoError(t, l.RunEpochs(&countingDataset{numBatches: 1}, 1))
	assert.Equal(t, []string{"p-1", "p0", "p10"}, order)
}

// TestDeterministicRuns checks that identical runs produce identical steps and hook calls.
func TestDeterministicRuns(t *testing.T) {
	run := func() (int, []string) {
		stepper := &recordingStepper{loss: 0.5}
		l := New(stepper)
		var lines []string
		l.OnStep("log", 0, func(loop *Loop, loss float64) error {
			lines = append(lines, fmt.Sprintf("train: step: %d, loss: %g", loop.LoopStep-1, loss))
			return nil
		})
		require.NoError(t, EveryNSteps(l, 3, "eval", 1, func(loop *Loop, _ float64) error {
			_, err := loop.Evaluate(&countingDataset{numBatches: 2})
			lines = append(lines, fmt.Sprintf("eval: step: %d", loop.LoopStep))
			return err
		}))
		require.NoError(t, l.RunEpochs(&countingDataset{numBatches: 4}, 2))
		return l.LoopStep, lines
	}
	steps1, lines1 := run()
	steps2, lines2 := run()
	assert.Equal(t, steps1, steps2)
	assert.Equal(t, lines1, lines2)
	assert.Len(t, lines1, 8+2)
}

func TestMedianTrainStepDuration(t *testing.T) {
	l := New(&recordingStepper{})
	assert.Positive(t, l.MedianTrainStepDuration())
	l.TrainStepDurations = []time.Duration{3, 1, 2}
	assert.Equal(t, time.Duration(2), l.MedianTrainStepDuration())
}

func TestPeriodicCallback(t *testing.T) {
	const numSteps = 20
	l := New(&recordingStepper{loss: 1, delay: 5 * time.Millisecond})
	var calledAt []int
	PeriodicCallback(l, 20*time.Millisecond, true, "periodic", 0, func(loop *Loop, _ float64) error {
		calledAt = append(calledAt, loop.LoopStep)
		return nil
	})
	require.NoError(t, l.RunEpochs(&countingDataset{numBatches: numSteps}, 1))
	require.NotEmpty(t, calledAt)
	assert.Less(t, len(calledAt), numSteps, "calls are throttled")
	assert.Equal(t, numSteps, calledAt[len(calledAt)-1], "called again at the end")
}

func TestOnAbort(t *testing.T) {
	var aborted error
	var ended bool
	l := New(&recordingStepper{loss: 1})
	l.OnStep("failing", 0, func(*Loop, float64) error { return io.ErrUnexpectedEOF })
	l.OnEnd("end", 0, func(*Loop) error { ended = true; return nil })
	l.OnAbort("abort", 0, func(_ *Loop, err error) { aborted = err })
	err := l.RunEpochs(&countingDataset{numBatches: 2}, 1)
	require.Error(t, err)
	assert.Equal(t, err, aborted)
	assert.False(t, ended)

	aborted, ended = nil, false
	l = New(&recordingStepper{loss: 1})
	l.OnEnd("end", 0, func(*Loop) error { ended = true; return nil })
	l.OnAbort("abort", 0, func(_ *Loop, err error) { aborted = err })
	require.NoError(t, l.RunEpochs(&countingDataset{numBatches: 2}, 1))
	assert.NoError(t, aborted)
	assert.True(t, ended)
}

func TestProgressBar(t *testing.T) {
	defer func(period time.Duration) { RefreshPeriod = period }(RefreshPeriod)
	RefreshPeriod = 2 * time.Millisecond

	stepper := &recordingStepper{loss: 0.25, delay: time.Millisecond}
	l := New(stepper)
	AttachProgressBar(l, func() (string, string) { return "steps seen", fmt.Sprint(len(stepper.events)) })
	require.NoError(t, l.RunEpochs(&countingDataset{numBatches: 10}, 2))
	assert.Equal(t, 20, l.LoopStep)

	// Failed runs close the bar through the OnAbort hook.
	l = New(&recordingStepper{loss: math.NaN(), delay: time.Millisecond})
	AttachProgressBar(l)
	require.ErrorContains(t, l.RunEpochs(&countingDataset{numBatches: 10}, 1), "NaN")
	require.ErrorContains(t, l.RunEpochs(&countingDataset{numBatches: 10}, 1), "NaN")
}
