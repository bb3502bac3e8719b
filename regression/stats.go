// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"math"
	"math/rand/v2"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func toFloat64[T constraints.Integer | constraints.Float](values []T) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

// Mean of values, 0 if empty.
func Mean[T constraints.Integer | constraints.Float](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(toFloat64(values), nil)
}

// R2 is the squared Pearson correlation between y and yHat.
// It is 0 if either is constant.
func R2(y, yHat []float64) float64 {
	r := stat.Correlation(y, yHat, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r * r
}

// MSE is the mean squared error between y and yHat.
func MSE(y, yHat []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	d := floats.Distance(y, yHat, 2)
	return d * d / float64(len(y))
}

// LogSpace returns n values evenly spaced in log scale from 10^low to 10^high, inclusive.
func LogSpace(low, high float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{math.Pow(10, low)}
	}
	exponents := make([]float64, n)
	floats.Span(exponents, low, high)
	for ii, e := range exponents {
		exponents[ii] = math.Pow(10, e)
	}
	return exponents
}

// Fold is a pair of training and test example indices.
type Fold struct {
	Train, Test []int
}

// KFold shuffles the indices 0..n-1 and splits them in k folds.
// The first n%k folds get one extra test example.
func KFold(n, k int, rng *rand.Rand) []Fold {
	perm := rng.Perm(n)
	folds := make([]Fold, k)
	start := 0
	for ii := range k {
		size := n / k
		if ii < n%k {
			size++
		}
		test := perm[start : start+size]
		train := make([]int, 0, n-size)
		train = append(train, perm[:start]...)
		train = append(train, perm[start+size:]...)
		folds[ii] = Fold{Train: train, Test: test}
		start += size
	}
	return folds
}

func selectRows[T any](values []T, indices []int) []T {
	out := make([]T, len(indices))
	for ii, idx := range indices {
		out[ii] = values[idx]
	}
	return out
}
