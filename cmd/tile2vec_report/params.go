// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Params lists the hyperparameters saved with each experiment. Rows whose values differ
// among the experiments are highlighted.
func Params(experiments []*Experiment) *experimentsTable {
	numExperiments := len(experiments)
	numCols := numExperiments + 3
	table := newExperimentsTable()

	headers := []string{"Scope", "Name", "Type"}
	if numExperiments == 1 {
		headers = append(headers, "Value")
	} else {
		for _, e := range experiments {
			headers = append(headers, e.Name)
		}
	}
	table.Headers(headers...)

	type scopeKey struct{ Scope, Key string }
	scopeKeySet := sets.Make[scopeKey]()
	for _, e := range experiments {
		e.Ctx.EnumerateParams(func(scope, key string, value any) {
			scopeKeySet.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	scopeKeys := slices.SortedFunc(maps.Keys(scopeKeySet), func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	for _, pair := range scopeKeys {
		row := make([]string, numCols)
		row[0], row[1] = pair.Scope, pair.Key
		for ii, e := range experiments {
			ctx := e.Ctx
			if pair.Scope != "/" {
				ctx = ctx.InAbsPath(pair.Scope)
			}
			value, found := ctx.GetParam(pair.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.CompareRow(3, row...)
	}
	return table
}
