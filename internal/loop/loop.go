// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loop implements the epoch-based training loop shared by the text model trainers.
//
// A Loop drives a Stepper over a train.Dataset for a fixed number of epochs, and calls the registered
// hooks at the start, at each epoch, after each step and at the end. Periodic evaluation, logging,
// summaries and checkpointing are all attached as hooks (see EveryNSteps and AttachProgressBar).
package loop

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Stepper executes one training or evaluation step on a batch and returns the batch loss.
//
// Anything else a model needs to carry from step to step (a recurrent state, the last predictions)
// is kept by the Stepper itself.
type Stepper interface {
	TrainStep(inputs, labels []*tensors.Tensor) (loss float64, err error)
	EvalStep(inputs, labels []*tensors.Tensor) (loss float64, err error)
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds train.Dataset) error

// OnEpochFn is the type of OnEpoch hooks, called before the first step of each epoch.
type OnEpochFn func(loop *Loop, epoch int) error

// OnStepFn is the type of OnStep hooks, called after each training step with its loss.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// OnAbortFn is the type of OnAbort hooks, called with the error that interrupted RunEpochs.
type OnAbortFn func(loop *Loop, err error)

// Loop runs a Stepper over a dataset for a number of epochs, calling the registered hooks.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	Stepper Stepper

	// LoopStep currently being executed, counting from the start of the Loop. It can be initialized
	// with the global step restored from a checkpoint, see SetStep.
	LoopStep int

	// StartStep is the value of LoopStep at the start of RunEpochs.
	StartStep int

	// EndStep is one-past the last step to be executed. It is -1 during the first epoch, when the number of
	// batches per epoch is not known, and extrapolated after it.
	EndStep int

	// Epoch currently running, starting from 0.
	Epoch int

	// LastLoss is the loss of the last training step.
	LastLoss float64

	// SharedData allows for hooks to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
	onAbort *priorityHooks[*hookWithName[OnAbortFn]]
}

// New creates a new training loop for the given stepper.
func New(stepper Stepper) *Loop {
	return &Loop{
		Stepper:    stepper,
		EndStep:    -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		onAbort:    newPriorityHooks[*hookWithName[OnAbortFn]](),
	}
}

// SetStep sets the current LoopStep, typically to the global step of a context restored from a checkpoint.
func (loop *Loop) SetStep(step int) {
	loop.LoopStep = step
}

// StepsDone returns the number of training steps completed in the current run.
func (loop *Loop) StepsDone() int {
	return loop.LoopStep - loop.StartStep
}

func (loop *Loop) start(ds train.Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) startEpoch() error {
	for hook := range loop.onEpoch.All() {
		if err := hook.fn(loop, loop.Epoch); err != nil {
			return errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one training step and frees the batch tensors (if owned).
func (loop *Loop) step(inputs, labels []*tensors.Tensor, finalize bool) (loss float64, err error) {
	startTime := time.Now()
	loss, err = loop.Stepper.TrainStep(inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return 0, err
	}
	if finalize {
		if err = finalizeBatch(inputs, labels); err != nil {
			return 0, errors.WithMessage(err, "after use in a train step")
		}
	}
	return loss, nil
}

// postStep calls the OnStep hooks, and then checks the loss for NaN or infinity.
func (loop *Loop) postStep(loss float64) error {
	loop.LastLoss = loss
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "Loop.OnStep(hook %q)", hook.name)
		}
	}
	if math.IsNaN(loss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	return nil
}

func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) abort(err error) {
	for hook := range loop.onAbort.All() {
		hook.fn(loop, err)
	}
}

// isOwnershipTransferred checks whether the yielded tensors of the dataset should be finalized after use.
func isOwnershipTransferred(ds train.Dataset) bool {
	dsOwnership, ok := ds.(train.DatasetCustomOwnership)
	if !ok {
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}

var yieldInputTypeNames = []string{"inputs", "labels"}

func checkYield(inputs, labels []*tensors.Tensor) error {
	for inputTypeIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		for tensorIdx, t := range slice {
			if t == nil || !t.Ok() {
				return errors.Errorf(
					"dataset yielded an invalid tensor (tensor #%d of %s), likely it has already been finalized: "+
						"the loop frees the yielded tensors after use, implement IsOwnershipTransferred() in the "+
						"dataset and return false if it reuses them",
					tensorIdx, yieldInputTypeNames[inputTypeIdx])
			}
		}
	}
	return nil
}

func finalizeBatch(inputs, labels []*tensors.Tensor) error {
	for sliceIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		for i, t := range slice {
			if err := t.FinalizeAll(); err != nil {
				return errors.WithMessagef(err, "finalizing tensor #%d of %s", i, yieldInputTypeNames[sliceIdx])
			}
		}
	}
	return nil
}

// RunEpochs runs the given number of full passes over the dataset, calling Stepper.TrainStep once per
// yielded batch, in the order the batches are yielded.
//
// An epoch ends when the dataset returns io.EOF, and Dataset.Reset is called after each epoch (including the last).
// If it fails, the OnAbort hooks are called instead of the OnEnd hooks.
// Loop.EndStep starts as -1 and is extrapolated after the first epoch.
//
// Inputs and labels yielded by the dataset are finalized (freed) after each step, unless the dataset implements
// train.DatasetCustomOwnership and says otherwise.
func (loop *Loop) RunEpochs(ds train.Dataset, epochs int) (err error) {
	if epochs <= 0 {
		return errors.Errorf("Loop.RunEpochs(%d): number of epochs must be > 0", epochs)
	}
	defer func() {
		if err != nil {
			loop.abort(err)
		}
	}()
	finalize := isOwnershipTransferred(ds)
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.TrainStepDurations = nil
	if err := loop.start(ds); err != nil {
		return err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		if err := loop.startEpoch(); err != nil {
			return err
		}
		yieldsPerEpoch := 0
		for {
			_, inputs, labels, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			if err = checkYield(inputs, labels); err != nil {
				return err
			}
			yieldsPerEpoch++
			loss, err := loop.step(inputs, labels, finalize)
			if err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
			if err = loop.postStep(loss); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(%d): LoopStep=%d", epochs, loop.LoopStep-1)
			}
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return errors.Errorf("Loop.RunEpochs: dataset %q yielded no batches in epoch %d", ds.Name(), loop.Epoch)
		}
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return nil
}

// EvalResult holds the per-batch losses of one pass over an evaluation dataset.
type EvalResult struct {
	Losses []float64
}

// NumBatches evaluated.
func (r *EvalResult) NumBatches() int { return len(r.Losses) }

// Evaluate runs Stepper.EvalStep over every batch of ds, from its beginning to io.EOF.
// The dataset is reset before and after, so it can be evaluated again later.
//
// It never consumes from the training dataset: when called from an OnStep hook the training
// pass simply resumes after it returns.
func (loop *Loop) Evaluate(ds train.Dataset) (*EvalResult, error) {
	finalize := isOwnershipTransferred(ds)
	ds.Reset()
	defer ds.Reset()
	result := &EvalResult{}
	for {
		_, inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return result, nil
			}
			return nil, errors.WithMessagef(err, "Loop.Evaluate: failed reading from Dataset %q", ds.Name())
		}
		if err = checkYield(inputs, labels); err != nil {
			return nil, err
		}
		loss, err := loop.Stepper.EvalStep(inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.Evaluate(%q): failed EvalStep on batch #%d",
				ds.Name(), len(result.Losses))
		}
		if finalize {
			if err = finalizeBatch(inputs, labels); err != nil {
				return nil, errors.WithMessage(err, "after use in an eval step")
			}
		}
		result.Losses = append(result.Losses, loss)
	}
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnAbort adds a hook with given priority and name to be called when RunEpochs fails, to release
// what OnStart hooks acquired.
func (loop *Loop) OnAbort(name string, priority Priority, fn OnAbortFn) {
	loop.onAbort.Add(priority, &hookWithName[OnAbortFn]{name: name, fn: fn})
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name to the start of each epoch.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name to each step of a loop.
// The function `fn` is called after each Stepper.TrainStep, with LoopStep already incremented.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name to the end of a loop, after the last training step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
