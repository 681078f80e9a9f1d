// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/textmodels/internal/summary"
)

// summaryTable reports the global step and the sizes of the variables under scopedCtx.
func summaryTable(ctx, scopedCtx *context.Context, checkpointDir string, numCheckpoints int) (string, error) {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointDir)
	table.Row("scope", scopedCtx.Scope())
	table.Row("# checkpoints", humanize.Comma(int64(numCheckpoints)))
	if globalStepVar := ctx.GetVariable(optimizers.GlobalStepVariableName); globalStepVar != nil {
		globalStep, err := globalStepVar.Value()
		if err != nil {
			return "", err
		}
		table.Row("global_step", humanize.Comma(tensors.ToScalar[int64](globalStep)))
	}

	var numVars, totalSize int
	var totalMemory uintptr
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	return table.Render(), nil
}

// paramsTable lists the hyperparameters saved with the checkpoint.
func paramsTable(ctx *context.Context) string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return table.Render()
}

// variablesTable lists the variables under scopedCtx, sorted by scope and name.
func variablesTable(scopedCtx *context.Context) string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}

// metricsTable pivots the points into one row per step and one column per metric.
//
// If metricNames is not empty, only those metrics are included, in the given order. Otherwise, all
// metrics are included in alphabetical order. It returns "" if no point is selected.
func metricsTable(points []summary.Point, metricNames []string) string {
	columns := metricNames
	if len(columns) == 0 {
		for _, p := range points {
			columns = append(columns, p.Metric)
		}
		slices.Sort(columns)
		columns = slices.Compact(columns)
	}
	columnOf := make(map[string]int, len(columns))
	for ii, name := range columns {
		columnOf[name] = ii + 1
	}

	var rows [][]string
	currentStep := -1
	for _, p := range points {
		col, found := columnOf[p.Metric]
		if !found {
			continue
		}
		if p.Step != currentStep || len(rows) == 0 {
			currentStep = p.Step
			row := make([]string, len(columns)+1)
			row[0] = humanize.Comma(int64(p.Step))
			rows = append(rows, row)
		}
		rows[len(rows)-1][col] = formatValue(p.Value)
	}
	if len(rows) == 0 {
		return ""
	}

	table := newPlainTable(lipgloss.Right)
	table.Headers(append([]string{"Global Step"}, columns...)...)
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}

func formatValue(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%.4f", v)
}
