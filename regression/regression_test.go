// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	assert.InDelta(t, 1.0, R2([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.Equal(t, 0.0, R2([]float64{1, 2, 3}, []float64{5, 5, 5}))
	assert.InDelta(t, 5.0/3.0, MSE([]float64{1, 2, 3}, []float64{2, 2, 5}), 1e-9)
	assert.Equal(t, 2.0, Mean([]int{1, 2, 3}))
	assert.InDeltaSlice(t, []float64{10, 100, 1000}, LogSpace(1, 3, 3), 1e-9)
	assert.Equal(t, []float64{10}, LogSpace(1, 5, 1))
}

func TestKFold(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	folds := KFold(11, 3, rng)
	require.Len(t, folds, 3)
	seen := make(map[int]int)
	for ii, fold := range folds {
		assert.Equal(t, 11, len(fold.Train)+len(fold.Test))
		if ii < 2 {
			assert.Len(t, fold.Test, 4)
		} else {
			assert.Len(t, fold.Test, 3)
		}
		for _, idx := range fold.Test {
			seen[idx]++
		}
	}
	assert.Len(t, seen, 11)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}
}

func TestRidge(t *testing.T) {
	// y = 2*x0 - x1 + 3
	x := [][]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 3}, {3, 1}}
	y := make([]float64, len(x))
	for ii, row := range x {
		y[ii] = 2*row[0] - row[1] + 3
	}
	ridge := &Ridge{Alpha: 1e-9}
	require.NoError(t, ridge.Fit(x, y))
	assert.InDeltaSlice(t, y, ridge.Predict(x), 1e-6)

	// Large alpha shrinks the weights: predictions go to the mean.
	ridge = &Ridge{Alpha: 1e9}
	require.NoError(t, ridge.Fit(x, y))
	mean := Mean(y)
	for _, v := range ridge.Predict(x) {
		assert.InDelta(t, mean, v, 1e-3)
	}
}

func TestKNN(t *testing.T) {
	x := [][]float64{{0}, {1}, {10}, {11}}
	y := []float64{1, 2, 10, 20}
	knn := &KNN{K: 2}
	require.NoError(t, knn.Fit(x, y))
	assert.Equal(t, []float64{1.5, 15}, knn.Predict([][]float64{{0.2}, {10.4}}))

	knn = &KNN{K: 10}
	require.NoError(t, knn.Fit(x, y))
	assert.Equal(t, []float64{8.25}, knn.Predict([][]float64{{5}}))

	require.Error(t, (&KNN{K: 0}).Fit(x, y))
}

func TestStandardizerAndPCA(t *testing.T) {
	x := [][]float64{{1, 10, 5}, {2, 20, 5}, {3, 30, 5}, {4, 40, 5}}
	scaled := FitStandardizer(x).Transform(x)
	var sum float64
	for _, row := range scaled {
		sum += row[0]
		assert.Equal(t, 0.0, row[2]) // Constant column.
	}
	assert.InDelta(t, 0, sum, 1e-9)
	assert.InDelta(t, -1.3416407864998738, scaled[0][0], 1e-9)

	// All the variance is on one direction.
	projected, err := PCA(x, 1)
	require.NoError(t, err)
	require.Len(t, projected, 4)
	require.Len(t, projected[0], 1)
	assert.InDelta(t, math.Abs(projected[0][0]), math.Abs(projected[3][0]), 1e-9)
	assert.InDelta(t, math.Sqrt(101)*1.5, math.Abs(projected[0][0]), 1e-9)

	_, err = PCA(x, 4)
	require.Error(t, err)
}

// syntheticData returns n examples of d features, with y linear on the first feature plus noise.
func syntheticData(n, d int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	x := make([][]float64, n)
	y := make([]float64, n)
	for ii := range n {
		x[ii] = make([]float64, d)
		for jj := range d {
			x[ii][jj] = rng.NormFloat64()
		}
		y[ii] = 3*x[ii][0] + 0.1*rng.NormFloat64()
	}
	return x, y
}

func TestPredict(t *testing.T) {
	x, y := syntheticData(200, 2, 7)
	minR2 := map[EstimatorType]float64{RidgeEstimator: 0.95, KNNEstimator: 0.7}
	for _, estimator := range ValidEstimators {
		params := DefaultParams()
		params.Estimator = estimator
		params.AlphaLow, params.AlphaHigh = -3, 1
		params.Seed = 11
		result, err := Predict(x, y, params)
		require.NoError(t, err, "estimator %s", estimator)
		assert.Len(t, result.FoldR2, params.K)
		assert.Len(t, result.YHat, len(y))
		assert.Greater(t, result.R2, minR2[estimator], "estimator %s", estimator)
		assert.Less(t, result.MSE, 2.0, "estimator %s", estimator)

		// Same seed, same result.
		again, err := Predict(x, y, params)
		require.NoError(t, err)
		assert.Equal(t, result.R2, again.R2)
	}

	params := DefaultParams()
	params.Dimension = 1
	result, err := Predict(x, y, params)
	require.NoError(t, err)
	assert.Len(t, result.X[0], 1)

	params = DefaultParams()
	params.K = 1
	_, err = Predict(x, y, params)
	require.Error(t, err)
	params = DefaultParams()
	params.Estimator = "svm"
	_, err = Predict(x, y, params)
	require.Error(t, err)
}

func writeNpy[T float32 | float64](t *testing.T, filePath string, data []T, dims ...int) {
	require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(data, dims...), filePath))
}

func TestPredictConsumption(t *testing.T) {
	dir := t.TempDir()
	x, logY := syntheticData(60, 3, 3)
	flat := make([]float32, 0, 60*3)
	for _, row := range x {
		for _, v := range row {
			flat = append(flat, float32(v))
		}
	}
	consumptions := make([]float64, len(logY))
	for ii, v := range logY {
		consumptions[ii] = math.Exp(v)
	}
	writeNpy(t, filepath.Join(dir, paths.FeaturesFileName("exp")), flat, 60, 3)
	writeNpy(t, filepath.Join(dir, ConsumptionsNpy), consumptions, 60)

	params := DefaultParams()
	params.AlphaLow, params.AlphaHigh = -3, 1
	result, err := PredictConsumption(dir, "exp", params)
	require.NoError(t, err)
	assert.InDeltaSlice(t, logY, result.Y, 1e-9)
	assert.Greater(t, result.R2, 0.8)

	// Features of an unknown experiment.
	_, err = PredictConsumption(dir, "other", params)
	require.Error(t, err)
}

func TestLoadLSMSFromCSV(t *testing.T) {
	dir := t.TempDir()
	writeNpy(t, filepath.Join(dir, paths.FeaturesFileName("csv")), []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	csv := "cluster,consumption\n0,1.5\n1,2.5\n2,3.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConsumptionsCSV), []byte(csv), 0o644))
	lsms, err := LoadLSMS(dir, "csv")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, lsms.Consumptions)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, lsms.X)

	// Non-positive consumption.
	csv = "consumption\n1\n0\n2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConsumptionsCSV), []byte(csv), 0o644))
	_, err = LoadLSMS(dir, "csv")
	require.ErrorContains(t, err, "non-positive")

	// Unparseable consumption.
	csv = "cluster,consumption\n0,1.5\n1,missing\n2,3.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConsumptionsCSV), []byte(csv), 0o644))
	_, err = LoadLSMS(dir, "csv")
	require.ErrorContains(t, err, "not a number")

	// Row count mismatch.
	csv = "consumption\n1\n2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConsumptionsCSV), []byte(csv), 0o644))
	_, err = LoadLSMS(dir, "csv")
	require.Error(t, err)
}

func TestPlotPredictions(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "figures", "scatter.png")
	require.NoError(t, PlotPredictions(filePath, []float64{1, 2, 3}, []float64{1.1, 1.9, 3.2}, 0.98, 0.25))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	require.Error(t, PlotPredictions(filePath, []float64{1}, nil, 0, 0.25))
}
