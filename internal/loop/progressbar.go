// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loop

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a name and the current value of something to display along the progress bar.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "textmodels.loop.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBarUpdate holds everything drawUpdates needs, so it never reads the Loop concurrently with the training.
type progressBarUpdate struct {
	amount, maxSteps   int
	step, loss, median string
	extraMetrics       [][2]string
}

type progressBar struct {
	lastStepReported int
	bar              *progressbar.ProgressBar
	extraMetricFns   []ExtraMetricFn

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	linesPrinted  int
	updates       chan progressBarUpdate
	updatesDone   sync.WaitGroup
}

// IsTerminal returns whether stdout is an interactive terminal.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// AttachProgressBar creates a command-line progress bar and attaches it to the loop, so that every
// time the loop is run it displays the progression, the last loss, the median step duration and
// the extra metrics given.
func AttachProgressBar(loop *Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	loop.OnAbort(ProgressBarName, 0, pBar.onAbort)
}

func (pBar *progressBar) onStart(loop *Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	numSteps := loop.EndStep - loop.StartStep
	if loop.EndStep < 0 {
		numSteps = -1 // Unknown until the end of the first epoch.
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.updatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

// drawUpdates asynchronously, so a terminal slower than the training doesn't hold it back.
func (pBar *progressBar) drawUpdates() {
	defer pBar.updatesDone.Done()
	lastDraw := time.Time{}
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		if update.maxSteps > 0 && pBar.bar.GetMax() != update.maxSteps {
			pBar.bar.ChangeMax(update.maxSteps)
		}
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", update.step)
		pBar.statsTable.Row("Loss", update.loss)
		pBar.statsTable.Row("Median train step duration", update.median)
		for _, extra := range update.extraMetrics {
			pBar.statsTable.Row(extra[0], extra[1])
		}

		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		pBar.isFirstOutput = false
		table := pBar.statsStyle.Render(pBar.statsTable.String())
		fmt.Println(table)
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.linesPrinted = lipgloss.Height(table) + 1
		pBar.termenv.ShowCursor()

		if wait := RefreshPeriod/5 - time.Since(lastDraw); wait > 0 {
			time.Sleep(wait)
		}
		lastDraw = time.Now()
	}
}

func (pBar *progressBar) onStep(loop *Loop, loss float64) error {
	amount := loop.LoopStep - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	update := progressBarUpdate{
		amount: amount,
		loss:   fmt.Sprintf("%.4g", loss),
		median: commandline.FormatDuration(loop.MedianTrainStepDuration()),
	}
	if loop.EndStep > 0 {
		update.maxSteps = loop.EndStep - loop.StartStep
		update.step = fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), humanize.Comma(int64(loop.EndStep)))
	} else {
		update.step = humanize.Comma(int64(loop.LoopStep))
	}
	for _, fn := range pBar.extraMetricFns {
		name, value := fn()
		update.extraMetrics = append(update.extraMetrics, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep
	return nil
}

// onEnd draws the final state of the loop before closing the bar.
func (pBar *progressBar) onEnd(loop *Loop) error {
	if pBar.updates != nil {
		if err := pBar.onStep(loop, loop.LastLoss); err != nil {
			return err
		}
	}
	pBar.close()
	return nil
}

func (pBar *progressBar) onAbort(_ *Loop, _ error) {
	pBar.close()
}

// close stops the drawing goroutine and restores the cursor. It can be called more than once.
func (pBar *progressBar) close() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updatesDone.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	fmt.Println()
}
