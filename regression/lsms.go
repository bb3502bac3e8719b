// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"math"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ConsumptionsNpy is the file with the per-cluster consumption, a float array shaped [num_clusters].
	ConsumptionsNpy = "cluster_consumptions.npy"

	// ConsumptionsCSV is used when ConsumptionsNpy is absent. It must have a header, and the consumption
	// is read from the ConsumptionColumn column, or from the first column if there is none.
	ConsumptionsCSV = "cluster_consumptions.csv"

	// ConsumptionColumn is the name of the consumption column in ConsumptionsCSV.
	ConsumptionColumn = "consumption"
)

// LSMS holds the cluster features and their survey consumptions.
type LSMS struct {
	// X holds one row of features per cluster.
	X [][]float64

	// Consumptions per cluster, all positive.
	Consumptions []float64
}

// LoadLSMS reads the features of experiment exp and the cluster consumptions stored in dir.
func LoadLSMS(dir, exp string) (*LSMS, error) {
	featuresPath := filepath.Join(dir, paths.FeaturesFileName(exp))
	x, err := loadMatrix(featuresPath)
	if err != nil {
		return nil, err
	}

	var consumptions []float64
	npyPath := filepath.Join(dir, ConsumptionsNpy)
	npyExists, err := fsutil.FileExists(npyPath)
	if err != nil {
		return nil, err
	}
	if npyExists {
		consumptions, err = loadVector(npyPath)
	} else {
		consumptions, err = loadConsumptionsCSV(filepath.Join(dir, ConsumptionsCSV))
	}
	if err != nil {
		return nil, err
	}
	if len(consumptions) != len(x) {
		return nil, errors.Errorf("%q has %d clusters, but there are %d consumptions in %q",
			featuresPath, len(x), len(consumptions), dir)
	}
	for ii, c := range consumptions {
		if math.IsNaN(c) || c <= 0 {
			return nil, errors.Errorf("cluster %d has non-positive consumption %g", ii, c)
		}
	}
	klog.V(1).Infof("Loaded LSMS data: %d clusters with %d features", len(x), len(x[0]))
	return &LSMS{X: x, Consumptions: consumptions}, nil
}

func loadFloat64Flat(filePath string) (shapes.Shape, []float64, error) {
	t, err := numpy.FromNpyFile(filePath)
	if err != nil {
		return shapes.Shape{}, nil, errors.WithMessagef(err, "loading LSMS data")
	}
	defer t.FinalizeAll()
	var flat []float64
	var convErr error
	err = t.ConstFlatData(func(data any) {
		switch typed := data.(type) {
		case []float32:
			flat = toFloat64(typed)
		case []float64:
			flat = toFloat64(typed)
		case []int32:
			flat = toFloat64(typed)
		case []int64:
			flat = toFloat64(typed)
		default:
			convErr = errors.Errorf("%q: dtype %s not supported", filePath, t.Shape().DType)
		}
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		return shapes.Shape{}, nil, err
	}
	return t.Shape(), flat, nil
}

func loadMatrix(filePath string) ([][]float64, error) {
	shape, flat, err := loadFloat64Flat(filePath)
	if err != nil {
		return nil, err
	}
	dims := shape.Dimensions
	if len(dims) != 2 || dims[0] == 0 {
		return nil, errors.Errorf("%q: expected a non-empty [num_clusters, num_features] array, got shape %s",
			filePath, shape)
	}
	rows := make([][]float64, dims[0])
	for ii := range rows {
		rows[ii] = flat[ii*dims[1] : (ii+1)*dims[1]]
	}
	return rows, nil
}

func loadVector(filePath string) ([]float64, error) {
	shape, flat, err := loadFloat64Flat(filePath)
	if err != nil {
		return nil, err
	}
	if shape.Rank() != 1 {
		return nil, errors.Errorf("%q: expected a [num_clusters] array, got shape %s", filePath, shape)
	}
	return flat, nil
}

func loadConsumptionsCSV(filePath string) ([]float64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "neither %q nor %q found", ConsumptionsNpy, filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %q", filePath)
	}
	column := df.Names()[0]
	for _, name := range df.Names() {
		if name == ConsumptionColumn {
			column = name
		}
	}
	consumptions := df.Col(column).Float()
	for ii, c := range consumptions {
		if math.IsNaN(c) {
			return nil, errors.Errorf("%q: row %d of column %q is not a number", filePath, ii+1, column)
		}
	}
	return consumptions, nil
}
