// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/tile2vec/experiment"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// lastSavedEpoch returns the largest epoch of the files in dir named after pattern, with a %s in place of
// the epoch. It returns -1 if there are none.
func lastSavedEpoch(dir, pattern string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf(pattern, "*")))
	if err != nil {
		return -1, errors.Wrapf(err, "listing %q", dir)
	}
	prefix, suffix, _ := strings.Cut(pattern, "%s")
	last := -1
	for _, match := range matches {
		epochStr := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(match), prefix), suffix)
		epoch, err := strconv.Atoi(epochStr)
		if err != nil {
			continue
		}
		last = max(last, epoch)
	}
	return last, nil
}

// regressionHistory holds the r² and mse of every regression trial, by kind of cluster image and epoch index.
type regressionHistory struct {
	EpochsStart int
	R2, MSE     map[string]map[int][]float64
}

// loadRegression returns the regression results of e, or nil if none were saved.
func loadRegression(e *Experiment) (*regressionHistory, error) {
	config, err := loadConfig(e)
	if err != nil {
		return nil, err
	}
	epoch, err := lastSavedEpoch(e.Dir, "r2_%s.json")
	if err != nil || epoch < 0 {
		return nil, err
	}
	// The histories saved at the last epoch include all previous epochs.
	h := &regressionHistory{EpochsStart: config.EpochsStart}
	if err = experiment.LoadJSON(filepath.Join(e.Dir, experiment.R2File(epoch)), &h.R2); err != nil {
		return nil, err
	}
	if err = experiment.LoadJSON(filepath.Join(e.Dir, experiment.MSEFile(epoch)), &h.MSE); err != nil {
		return nil, err
	}
	return h, nil
}

// meanR2 of the trials of each epoch for the kind of cluster image.
func (h *regressionHistory) meanR2(kind string) curve {
	c := curve{Name: "r²/" + kind}
	for _, epochIdx := range xslices.SortedKeys(h.R2[kind]) {
		c.Epochs = append(c.Epochs, h.EpochsStart+epochIdx)
		c.Values = append(c.Values, stat.Mean(h.R2[kind][epochIdx], nil))
	}
	return c
}

// Regression lists, for each epoch, the mean and standard deviation of the r² of the regression trials,
// and their mean squared error. One pair of columns per experiment and kind of cluster image.
func Regression(experiments []*Experiment) (*lgtable.Table, error) {
	var series []epochSeries
	for _, e := range experiments {
		h, err := loadRegression(e)
		if err != nil {
			return nil, err
		}
		if h == nil {
			continue
		}
		for _, kind := range []string{experiment.Small, experiment.Big} {
			if len(h.R2[kind]) == 0 {
				continue
			}
			r2Series := newEpochSeries(experiments, e, "r²/"+kind)
			mseSeries := newEpochSeries(experiments, e, "mse/"+kind)
			for epochIdx, trials := range h.R2[kind] {
				if len(trials) < 2 {
					r2Series.Values[h.EpochsStart+epochIdx] = fmt.Sprintf("%.3f", stat.Mean(trials, nil))
					continue
				}
				mean, std := stat.MeanStdDev(trials, nil)
				r2Series.Values[h.EpochsStart+epochIdx] = fmt.Sprintf("%.3f ± %.3f", mean, std)
			}
			for epochIdx, trials := range h.MSE[kind] {
				mseSeries.Values[h.EpochsStart+epochIdx] = fmt.Sprintf("%.4f", stat.Mean(trials, nil))
			}
			series = append(series, r2Series, mseSeries)
		}
	}
	return epochTable(series), nil
}
