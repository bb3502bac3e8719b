// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)

	cellStyle      = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	fadedCellStyle = cellStyle.Faint(true)
	differStyle    = cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
)

// experimentsTable renders report rows with alternating shades. Rows where the experiments
// disagree are shown in red.
type experimentsTable struct {
	Table      *lgtable.Table
	alignments []lipgloss.Position
	differs    []bool
}

// newExperimentsTable creates an empty table. The last alignment given is used for the remaining columns.
func newExperimentsTable(alignments ...lipgloss.Position) *experimentsTable {
	t := &experimentsTable{alignments: alignments}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(t.style)
	return t
}

// Headers sets the column names.
func (t *experimentsTable) Headers(headers ...string) {
	t.Table.Headers(headers...)
}

// Row appends a row that is not compared among experiments.
func (t *experimentsTable) Row(row ...string) {
	t.differs = append(t.differs, false)
	t.Table.Row(row...)
}

// CompareRow appends a row whose columns, starting at firstExperiment, hold one value per experiment.
// The row is highlighted if the values are not all the same.
func (t *experimentsTable) CompareRow(firstExperiment int, row ...string) {
	values := row[firstExperiment:]
	differ := slices.ContainsFunc(values, func(v string) bool { return v != values[0] })
	t.differs = append(t.differs, differ)
	t.Table.Row(row...)
}

// NumDiffering returns how many rows have values that differ among experiments.
func (t *experimentsTable) NumDiffering() (count int) {
	for _, differ := range t.differs {
		if differ {
			count++
		}
	}
	return
}

func (t *experimentsTable) style(row, col int) lipgloss.Style {
	if row == lgtable.HeaderRow {
		return headerStyle
	}
	var s lipgloss.Style
	switch {
	case row < len(t.differs) && t.differs[row]:
		s = differStyle
	case row%2 == 0:
		s = cellStyle
	default:
		s = fadedCellStyle
	}
	switch {
	case col < len(t.alignments):
		return s.Align(t.alignments[col])
	case len(t.alignments) > 0:
		return s.Align(t.alignments[len(t.alignments)-1])
	}
	return s.Align(lipgloss.Left)
}

// epochSeries is one column of per-epoch values, e.g. the train loss of an experiment.
type epochSeries struct {
	Header string
	Values map[int]string
}

func newEpochSeries(experiments []*Experiment, e *Experiment, name string) epochSeries {
	return epochSeries{Header: columnHeader(experiments, e, name), Values: make(map[int]string)}
}

// columnHeader prefixes the column name with the experiment name, if there is more than one experiment.
func columnHeader(experiments []*Experiment, e *Experiment, name string) string {
	if len(experiments) == 1 {
		return name
	}
	return e.Name + ": " + name
}

// epochTable has one row per epoch found in any of the series. Epochs missing from a series are left blank.
func epochTable(series []epochSeries) *lgtable.Table {
	table := newExperimentsTable(lipgloss.Right)
	headers := []string{"Epoch"}
	epochsSet := make(map[int]bool)
	for _, s := range series {
		headers = append(headers, s.Header)
		for epoch := range s.Values {
			epochsSet[epoch] = true
		}
	}
	table.Headers(headers...)
	for _, epoch := range xslices.SortedKeys(epochsSet) {
		row := []string{fmt.Sprintf("%d", epoch)}
		for _, s := range series {
			row = append(row, s.Values[epoch])
		}
		table.Row(row...)
	}
	return table.Table
}
