// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regression predicts the log consumption of LSMS clusters from their image features,
// with nested cross-validation: the outer folds estimate r² and mse, and the inner folds select the
// regularization of each outer training fold.
package regression

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Params of PredictConsumption.
type Params struct {
	// Dimension of the PCA projection of the features. 0 disables PCA.
	Dimension int

	// K is the number of outer folds, KInner the number of folds used to select hyperparameters.
	K, KInner int

	// Points is the number of hyperparameter candidates: alphas evenly spaced in log scale from
	// 10^AlphaLow to 10^AlphaHigh for ridge, or k from 1 to Points for kNN.
	Points              int
	AlphaLow, AlphaHigh float64

	// Margin of the ± bands drawn around y = ŷ in the predictions plot.
	Margin float64

	Estimator EstimatorType

	// Seed of the fold shuffling.
	Seed uint64
}

// DefaultParams returns the parameters used in the experiments.
func DefaultParams() Params {
	return Params{
		K:         5,
		KInner:    5,
		Points:    10,
		AlphaLow:  1,
		AlphaHigh: 5,
		Margin:    0.25,
		Estimator: RidgeEstimator,
	}
}

// Validate the parameters for n examples.
func (p Params) Validate(n int) error {
	if p.K < 2 || p.K > n {
		return errors.Errorf("number of folds k=%d must be in [2, %d]", p.K, n)
	}
	if p.KInner < 2 || p.KInner > n-n/p.K-1 {
		return errors.Errorf("number of inner folds k_inner=%d must be in [2, %d]", p.KInner, n-n/p.K-1)
	}
	if p.Points <= 0 {
		return errors.Errorf("number of hyperparameter points must be > 0, got %d", p.Points)
	}
	if p.Dimension < 0 {
		return errors.Errorf("PCA dimension must be >= 0, got %d", p.Dimension)
	}
	_, err := ParseEstimator(string(p.Estimator))
	return err
}

// Result of PredictConsumption.
type Result struct {
	// X are the features used for the regression, after the optional PCA.
	X [][]float64

	// Y is the log consumption, YHat its out-of-fold prediction.
	Y, YHat []float64

	// R2 and MSE are the means over the outer folds.
	R2, MSE float64

	// FoldR2 and FoldMSE per outer fold.
	FoldR2, FoldMSE []float64
}

// PredictConsumption loads the LSMS data of experiment exp in dir and regresses the log consumption
// on the features, see Predict.
func PredictConsumption(dir, exp string, params Params) (*Result, error) {
	lsms, err := LoadLSMS(dir, exp)
	if err != nil {
		return nil, err
	}
	y := make([]float64, len(lsms.Consumptions))
	for ii, c := range lsms.Consumptions {
		y[ii] = math.Log(c)
	}
	return Predict(lsms.X, y, params)
}

// Predict regresses y on x with nested cross-validation.
func Predict(x [][]float64, y []float64, params Params) (*Result, error) {
	n := len(x)
	if n == 0 || len(y) != n {
		return nil, errors.Errorf("regression requires the same non-zero number of examples and targets, got %d and %d",
			n, len(y))
	}
	if err := params.Validate(n); err != nil {
		return nil, err
	}
	if params.Dimension > 0 {
		var err error
		x, err = PCA(x, params.Dimension)
		if err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(params.Seed, params.Seed+1))
	result := &Result{X: x, Y: y, YHat: make([]float64, n)}
	for foldIdx, fold := range KFold(n, params.K, rng) {
		xTrain, yTrain := selectRows(x, fold.Train), selectRows(y, fold.Train)
		xTest, yTest := selectRows(x, fold.Test), selectRows(y, fold.Test)
		scaler := FitStandardizer(xTrain)
		xTrain, xTest = scaler.Transform(xTrain), scaler.Transform(xTest)

		hyper, err := selectHyperparameter(xTrain, yTrain, params, rng)
		if err != nil {
			return nil, errors.WithMessagef(err, "outer fold %d", foldIdx)
		}
		estimator := newEstimator(params.Estimator, hyper)
		if err = estimator.Fit(xTrain, yTrain); err != nil {
			return nil, errors.WithMessagef(err, "outer fold %d", foldIdx)
		}
		yHat := estimator.Predict(xTest)
		for ii, idx := range fold.Test {
			result.YHat[idx] = yHat[ii]
		}
		result.FoldR2 = append(result.FoldR2, R2(yTest, yHat))
		result.FoldMSE = append(result.FoldMSE, MSE(yTest, yHat))
		klog.V(2).Infof("fold %d: %s hyperparameter=%g, r2=%.4f, mse=%.4f",
			foldIdx, params.Estimator, hyper, result.FoldR2[foldIdx], result.FoldMSE[foldIdx])
	}
	result.R2 = Mean(result.FoldR2)
	result.MSE = Mean(result.FoldMSE)
	return result, nil
}

// candidates returns the hyperparameter values searched: ridge alphas or kNN k's.
func candidates(params Params) []float64 {
	if params.Estimator == KNNEstimator {
		ks := make([]float64, params.Points)
		for ii := range ks {
			ks[ii] = float64(ii + 1)
		}
		return ks
	}
	return LogSpace(params.AlphaLow, params.AlphaHigh, params.Points)
}

func newEstimator(estimatorType EstimatorType, hyper float64) Estimator {
	if estimatorType == KNNEstimator {
		return &KNN{K: int(hyper)}
	}
	return &Ridge{Alpha: hyper}
}

// selectHyperparameter returns the candidate with the best mean r² over KInner folds of the training data.
// Ties keep the first candidate.
func selectHyperparameter(x [][]float64, y []float64, params Params, rng *rand.Rand) (float64, error) {
	folds := KFold(len(x), params.KInner, rng)
	values := candidates(params)
	best, bestR2 := values[0], math.Inf(-1)
	for _, value := range values {
		var sumR2 float64
		for _, fold := range folds {
			estimator := newEstimator(params.Estimator, value)
			if err := estimator.Fit(selectRows(x, fold.Train), selectRows(y, fold.Train)); err != nil {
				return 0, err
			}
			sumR2 += R2(selectRows(y, fold.Test), estimator.Predict(selectRows(x, fold.Test)))
		}
		if meanR2 := sumR2 / float64(len(folds)); meanR2 > bestR2 {
			best, bestR2 = value, meanR2
		}
	}
	return best, nil
}
