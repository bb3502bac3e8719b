// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardizer scales each feature to zero mean and unit variance, with statistics fit on training data.
type Standardizer struct {
	means, stdDevs []float64
}

// FitStandardizer computes the per-column mean and (population) standard deviation of x.
// Constant columns get a standard deviation of 1.
func FitStandardizer(x [][]float64) *Standardizer {
	d := len(x[0])
	s := &Standardizer{means: make([]float64, d), stdDevs: make([]float64, d)}
	column := make([]float64, len(x))
	for jj := range d {
		for ii, row := range x {
			column[ii] = row[jj]
		}
		mean, variance := stat.PopMeanVariance(column, nil)
		s.means[jj] = mean
		s.stdDevs[jj] = math.Sqrt(variance)
		if s.stdDevs[jj] == 0 {
			s.stdDevs[jj] = 1
		}
	}
	return s
}

// Transform returns a standardized copy of x.
func (s *Standardizer) Transform(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for ii, row := range x {
		out[ii] = make([]float64, len(row))
		for jj, v := range row {
			out[ii][jj] = (v - s.means[jj]) / s.stdDevs[jj]
		}
	}
	return out
}

// PCA projects x on its first dimension principal components.
func PCA(x [][]float64, dimension int) ([][]float64, error) {
	n, d := len(x), len(x[0])
	if dimension <= 0 || dimension > min(n, d) {
		return nil, errors.Errorf("PCA dimension must be in [1, %d], got %d", min(n, d), dimension)
	}
	data := mat.NewDense(n, d, nil)
	for ii, row := range x {
		data.SetRow(ii, row)
	}
	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) {
		return nil, errors.New("PCA decomposition failed")
	}
	var vectors mat.Dense
	pc.VectorsTo(&vectors)

	means := columnMeans(x)
	centered := mat.NewDense(n, d, nil)
	for ii, row := range x {
		for jj, v := range row {
			centered.Set(ii, jj, v-means[jj])
		}
	}
	var projected mat.Dense
	projected.Mul(centered, vectors.Slice(0, d, 0, dimension))
	out := make([][]float64, n)
	for ii := range out {
		out[ii] = mat.Row(nil, ii, &projected)
	}
	return out, nil
}
