// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loop

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStart(_ *Loop, _ train.Dataset) error {
	eN.count = 0
	return nil
}

func (eN *everyNSteps) onStep(loop *Loop, loss float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, loss)
}

// EveryNSteps registers an OnStep hook on the loop that is called once every n training steps
// of a run: after steps n, 2n, 3n, ...
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) error {
	if n <= 0 {
		return errors.Errorf("EveryNSteps(%d): n must be > 0", n)
	}
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStart(fullName, priority, eN.onStart)
	loop.OnStep(fullName, priority, eN.onStep)
	return nil
}

type periodic struct {
	period time.Duration
	last   time.Time
	fn     OnStepFn
}

func (p *periodic) onStart(_ *Loop, _ train.Dataset) error {
	p.last = time.Now()
	return nil
}

func (p *periodic) onStep(loop *Loop, loss float64) error {
	if time.Since(p.last) < p.period {
		return nil
	}
	p.last = time.Now()
	return p.fn(loop, loss)
}

// PeriodicCallback registers an OnStep hook on the loop that is called at most once every period.
// The first call happens after the first period has elapsed since the start of the run.
//
// If callOnEnd is set, `fn` is also called at the end of the loop with the last loss.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodic{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStart(fullName, priority, p.onStart)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop) error {
			return p.fn(loop, loop.LastLoss)
		})
	}
}
