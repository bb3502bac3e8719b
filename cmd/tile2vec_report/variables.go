// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/pkg/errors"
)

var (
	flagVars  = flag.Bool("vars", false, "Lists the variables under -scope, with statistics of their values.")
	flagScope = flag.String("scope", context.ScopeSeparator+tilenet.Scope, "Scope of the variables listed with -vars.")

	flagDeleteVars = flag.String("delete_vars", "",
		"Deletes the variables under the given comma-separated scopes and saves a new checkpoint. "+
			"Use it to clear the optimizer state before fine-tuning a model with tile2vec -model_fn.")
)

// ListVariables under the scope of ctx, with their shape and the mean absolute value (MAV),
// root-mean-square (RMS) and max absolute value (MaxAV) of their values.
func ListVariables(ctx *context.Context) (*lgtable.Table, error) {
	statsExec, err := NewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return nil, err
	}
	defer statsExec.Finalize()

	table := newExperimentsTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
		}
		shape := value.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", value.Value())
		} else if shape.DType.IsFloat() {
			mavT, rmsT, maxAVT, err := statsExec.Exec3(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "statistics of variable %s", v.ScopeAndName())
			}
			mav = fmt.Sprintf("%.3g", shapes.ConvertTo[float64](mavT.Value()))
			rms = fmt.Sprintf("%.3g", shapes.ConvertTo[float64](rmsT.Value()))
			maxAV = fmt.Sprintf("%.3g", shapes.ConvertTo[float64](maxAVT.Value()))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Table, nil
}

// DeleteVars under the comma-separated scopes of the latest checkpoint in dir, and saves the result
// as a new checkpoint. It returns the number of variables deleted.
func DeleteVars(dir, scopes string) (int, error) {
	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).Immediate().Done()
	if err != nil {
		return 0, err
	}
	var toDelete []*context.Variable
	for _, scope := range strings.Split(scopes, ",") {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		scopePrefix := strings.TrimSuffix(scope, context.ScopeSeparator) + context.ScopeSeparator
		for v := range ctx.IterVariables() {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix) {
				toDelete = append(toDelete, v)
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	for _, v := range toDelete {
		if err = ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return 0, err
		}
	}
	if err = checkpoint.Save(); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}
