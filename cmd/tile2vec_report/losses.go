// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/tile2vec/experiment"
)

// lossFiles in the order they are reported.
var lossFiles = []struct{ Name, File string }{
	{"train", experiment.TrainLossFile},
	{"lsms_train", experiment.LSMSTrainLossFile},
	{"test", experiment.TestLossFile},
	{"val", experiment.ValLossFile},
	{"lsms_val", experiment.LSMSValLossFile},
}

// loadConfig of the experiment, saved when it was run.
func loadConfig(e *Experiment) (*experiment.Config, error) {
	config := experiment.DefaultConfig()
	if err := experiment.LoadJSON(filepath.Join(e.Dir, experiment.CommandFile), config); err != nil {
		return nil, err
	}
	return config, nil
}

// curve is a series of per-epoch values, sorted by epoch.
type curve struct {
	Name   string
	Epochs []int
	Values []float64
}

// loadLosses of e, one curve per dataset in the order of lossFiles. Datasets without saved losses are skipped.
func loadLosses(e *Experiment) ([]curve, error) {
	config, err := loadConfig(e)
	if err != nil {
		return nil, err
	}
	var curves []curve
	for _, lossFile := range lossFiles {
		filePath := filepath.Join(e.Dir, lossFile.File)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		var losses []float64
		if err = experiment.LoadJSON(filePath, &losses); err != nil {
			return nil, err
		}
		c := curve{Name: lossFile.Name, Values: losses}
		for epochIdx := range losses {
			c.Epochs = append(c.Epochs, config.EpochsStart+epochIdx)
		}
		curves = append(curves, c)
	}
	return curves, nil
}

// Losses lists the triplet loss of each epoch, one column per experiment and dataset.
func Losses(experiments []*Experiment) (*lgtable.Table, error) {
	var series []epochSeries
	for _, e := range experiments {
		curves, err := loadLosses(e)
		if err != nil {
			return nil, err
		}
		for _, c := range curves {
			s := newEpochSeries(experiments, e, c.Name)
			for ii, epoch := range c.Epochs {
				s.Values[epoch] = fmt.Sprintf("%.4f", c.Values[ii])
			}
			series = append(series, s)
		}
	}
	return epochTable(series), nil
}
