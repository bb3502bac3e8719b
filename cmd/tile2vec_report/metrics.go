// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"regexp"

	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the scalars logged per epoch in the file %q of the experiment logs directory.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the scalar is included.")
)

// Metrics lists the scalars logged by each experiment, one row per epoch. If namesRegexp is not empty
// only the scalars whose name or short name matches it are included.
func Metrics(experiments []*Experiment, namesRegexp string) (*lgtable.Table, error) {
	var matcher *regexp.Regexp
	if namesRegexp != "" {
		var err error
		matcher, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", namesRegexp)
		}
	}

	var series []epochSeries
	for _, e := range experiments {
		pointsPath := filepath.Join(e.LogDir, plots.TrainingPlotFileName)
		exists, err := fsutil.FileExists(pointsPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			klog.Warningf("No scalars found for experiment %q in %q", e.Name, pointsPath)
			continue
		}
		points, err := plots.LoadPoints(pointsPath)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]epochSeries)
		for _, point := range points {
			if matcher != nil && !matcher.MatchString(point.MetricName) && !matcher.MatchString(point.Short) {
				continue
			}
			s, found := byName[point.MetricName]
			if !found {
				s = newEpochSeries(experiments, e, point.MetricName)
				byName[point.MetricName] = s
			}
			s.Values[int(point.Step)] = fmt.Sprintf("%.4g", point.Value)
		}
		for _, name := range xslices.SortedKeys(byName) {
			series = append(series, byName[name])
		}
	}
	return epochTable(series), nil
}
