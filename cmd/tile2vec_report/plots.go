// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"html/template"
	"io"
	"os"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/tile2vec/experiment"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

var (
	flagPlot     = flag.Bool("plot", false, "Writes an HTML page plotting the triplet losses and the mean regression r² of each epoch.")
	flagPlotFile = flag.String("plot_file", "", "File where -plot writes the HTML page. If empty, a temporary file is created.")
)

// PlotCurves builds one plotly figure for the triplet losses and one for the mean r² of the
// regression trials, with a line per experiment and dataset (or kind of cluster image).
func PlotCurves(experiments []*Experiment) ([]*grob.Fig, error) {
	lossFig := newEpochFigure("Triplet Loss")
	r2Fig := newEpochFigure("Consumption Regression r²")
	for _, e := range experiments {
		losses, err := loadLosses(e)
		if err != nil {
			return nil, err
		}
		for _, c := range losses {
			addCurve(lossFig, columnHeader(experiments, e, c.Name), c)
		}

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
			c := h.meanR2(kind)
			addCurve(r2Fig, columnHeader(experiments, e, c.Name), c)
		}
	}
	return []*grob.Fig{lossFig, r2Fig}, nil
}

func newEpochFigure(title string) *grob.Fig {
	return &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(title),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
			},
			Legend: &grob.LayoutLegend{},
		},
	}
}

func addCurve(fig *grob.Fig, name string, c curve) {
	epochs := xslices.Map(c.Epochs, func(epoch int) float64 { return float64(epoch) })
	fig.Data = append(fig.Data, &grob.Scatter{
		Name: ptypes.S(name),
		Line: &grob.ScatterLine{
			Shape: grob.ScatterLineShapeLinear,
		},
		Mode: "lines+markers",
		X:    ptypes.DataArray(epochs),
		Y:    ptypes.DataArray(c.Values),
	})
}

var curvesPageTmpl = template.Must(template.New("curves").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>{{ .Title }}</title>
	<script src="{{ .PlotlySrc }}"></script>
</head>
<body>
{{- range $i, $fig := .Figures }}
	<div id="curve{{ $i }}"></div>
	<script>Plotly.newPlot('curve{{ $i }}', JSON.parse(atob('{{ $fig }}')));</script>
{{- end }}
</body>
</html>
`))

// WriteCurvesHTML renders the figures to a standalone HTML page, loading plotly.js from its CDN.
func WriteCurvesHTML(w io.Writer, title string, figs []*grob.Fig) error {
	encoded := make([]string, 0, len(figs))
	for _, fig := range figs {
		figJSON, err := json.Marshal(fig)
		if err != nil {
			return errors.Wrap(err, "failed to serialize plotly figure")
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(figJSON))
	}
	data := struct {
		Title, PlotlySrc string
		Figures          []string
	}{Title: title, PlotlySrc: plotly.PlotlySrc, Figures: encoded}
	if err := curvesPageTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plots page")
	}
	return nil
}

// WritePlots of the experiments to fileName, or to a new temporary file if fileName is empty.
// It returns the name of the file written.
func WritePlots(experiments []*Experiment, fileName string) (string, error) {
	figs, err := PlotCurves(experiments)
	if err != nil {
		return "", err
	}
	var f *os.File
	if fileName == "" {
		f, err = os.CreateTemp("", "tile2vec-plots-*.html")
	} else {
		f, err = os.Create(fileName)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to create plots file")
	}
	title := "tile2vec: " + experiments[0].Name
	if len(experiments) > 1 {
		title = "tile2vec experiments"
	}
	if err = WriteCurvesHTML(f, title, figs); err != nil {
		_ = f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close %q", f.Name())
	}
	return f.Name(), nil
}
