// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/tile2vec/experiment"
	"github.com/gomlx/tile2vec/tilenet"
)

// Summary of the saved models: one column per experiment.
func Summary(experiments []*Experiment) *lgtable.Table {
	numExperiments := len(experiments)
	table := newExperimentsTable(lipgloss.Right, lipgloss.Left)
	newRow := func(label string) []string {
		row := make([]string, numExperiments+1)
		row[0] = label
		return row
	}

	nameRow := newRow("experiment")
	globalStepRow := newRow("global_step")
	epochRow := newRow("epoch")
	modelRow := newRow("model")
	zDimRow := newRow("z_dim")
	variablesRow := newRow("# variables")
	parametersRow := newRow("# parameters")
	memoryRow := newRow("# bytes")
	for ii, e := range experiments {
		col := ii + 1
		nameRow[col] = e.Name
		if !e.HasCheckpoint {
			globalStepRow[col] = "no checkpoint"
			continue
		}
		globalStepRow[col] = humanize.Comma(optimizers.GetGlobalStep(e.Ctx))
		if epoch, found := e.Ctx.GetParam(experiment.ParamEpoch); found {
			// Epochs are saved 0-based.
			epochRow[col] = fmt.Sprintf("%v", epoch)
		}
		modelRow[col] = context.GetParamOr(e.Ctx, tilenet.ParamModel, "")
		zDimRow[col] = fmt.Sprintf("%d", context.GetParamOr(e.Ctx, tilenet.ParamZDim, 0))

		var numVars, totalSize int
		var totalMemory uintptr
		for v := range e.Ctx.In(tilenet.Scope).IterVariablesInScope() {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		}
		variablesRow[col] = humanize.Comma(int64(numVars))
		parametersRow[col] = humanize.Comma(int64(totalSize))
		memoryRow[col] = humanize.Bytes(uint64(totalMemory))
	}
	for _, row := range [][]string{nameRow, globalStepRow, epochRow, modelRow, zDimRow, variablesRow, parametersRow, memoryRow} {
		table.Row(row...)
	}
	return table.Table
}
