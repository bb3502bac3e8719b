// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"slices"

	"github.com/hupe1980/vecgo/distance"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Estimator is a regression model.
type Estimator interface {
	// Fit the model to the rows of x and targets y.
	Fit(x [][]float64, y []float64) error

	// Predict the targets of the rows of x.
	Predict(x [][]float64) []float64
}

// EstimatorType selects the regression model used by PredictConsumption.
type EstimatorType string

const (
	RidgeEstimator EstimatorType = "ridge"
	KNNEstimator   EstimatorType = "knn"
)

// ValidEstimators lists the supported estimators.
var ValidEstimators = []EstimatorType{RidgeEstimator, KNNEstimator}

// ParseEstimator validates name as one of ValidEstimators.
func ParseEstimator(name string) (EstimatorType, error) {
	estimator := EstimatorType(name)
	if !slices.Contains(ValidEstimators, estimator) {
		return "", errors.Errorf("estimator must be one of %v, got %q", ValidEstimators, name)
	}
	return estimator, nil
}

// Ridge is a linear regression with an L2 penalty Alpha on the weights.
// The intercept is not penalized.
type Ridge struct {
	Alpha float64

	weights   []float64
	intercept float64
}

// Fit solves (XcᵀXc + αI)w = Xcᵀyc, where Xc and yc are x and y centered.
func (r *Ridge) Fit(x [][]float64, y []float64) error {
	n := len(x)
	if n == 0 || len(y) != n {
		return errors.Errorf("ridge: %d rows and %d targets", n, len(y))
	}
	d := len(x[0])
	xMeans := columnMeans(x)
	yMean := stat.Mean(y, nil)

	centered := mat.NewDense(n, d, nil)
	for ii, row := range x {
		for jj, v := range row {
			centered.Set(ii, jj, v-xMeans[jj])
		}
	}
	yc := mat.NewVecDense(n, nil)
	for ii, v := range y {
		yc.SetVec(ii, v-yMean)
	}

	gram := mat.NewSymDense(d, nil)
	gram.SymOuterK(1, centered.T())
	for ii := range d {
		gram.SetSym(ii, ii, gram.At(ii, ii)+r.Alpha)
	}
	var xty mat.VecDense
	xty.MulVec(centered.T(), yc)

	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		return errors.Errorf("ridge: system with alpha=%g is not positive definite", r.Alpha)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &xty); err != nil {
		return errors.Wrapf(err, "ridge: failed to solve with alpha=%g", r.Alpha)
	}
	r.weights = make([]float64, d)
	r.intercept = yMean
	for jj := range d {
		r.weights[jj] = w.AtVec(jj)
		r.intercept -= r.weights[jj] * xMeans[jj]
	}
	return nil
}

// Predict returns xᵀw + intercept for each row.
func (r *Ridge) Predict(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for ii, row := range x {
		out[ii] = r.intercept
		for jj, v := range row {
			out[ii] += v * r.weights[jj]
		}
	}
	return out
}

// KNN predicts the mean target of the K nearest training rows, by squared Euclidean distance.
type KNN struct {
	K int

	points  [][]float32
	targets []float64
	dist    distance.Func
}

// Fit stores the training data.
func (k *KNN) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 || len(y) != len(x) {
		return errors.Errorf("knn: %d rows and %d targets", len(x), len(y))
	}
	if k.K <= 0 {
		return errors.Errorf("knn: k must be > 0, got %d", k.K)
	}
	dist, err := distance.Provider(distance.MetricL2)
	if err != nil {
		return errors.Wrap(err, "knn")
	}
	k.dist = dist
	k.points = make([][]float32, len(x))
	for ii, row := range x {
		k.points[ii] = toFloat32(row)
	}
	k.targets = slices.Clone(y)
	return nil
}

// Predict the mean target of the min(K, #training rows) nearest neighbors of each row.
func (k *KNN) Predict(x [][]float64) []float64 {
	numNeighbors := min(k.K, len(k.points))
	out := make([]float64, len(x))
	order := make([]int, len(k.points))
	distances := make([]float32, len(k.points))
	for ii, row := range x {
		query := toFloat32(row)
		for jj, point := range k.points {
			order[jj] = jj
			distances[jj] = k.dist(query, point)
		}
		slices.SortStableFunc(order, func(a, b int) int {
			switch {
			case distances[a] < distances[b]:
				return -1
			case distances[a] > distances[b]:
				return 1
			}
			return 0
		})
		var sum float64
		for _, idx := range order[:numNeighbors] {
			sum += k.targets[idx]
		}
		out[ii] = sum / float64(numNeighbors)
	}
	return out
}

func toFloat32(row []float64) []float32 {
	out := make([]float32, len(row))
	for ii, v := range row {
		out[ii] = float32(v)
	}
	return out
}

func columnMeans(x [][]float64) []float64 {
	means := make([]float64, len(x[0]))
	for _, row := range x {
		for jj, v := range row {
			means[jj] += v
		}
	}
	for jj := range means {
		means[jj] /= float64(len(x))
	}
	return means
}
