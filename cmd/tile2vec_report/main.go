// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tile2vec_report prints tables describing one or more tile2vec experiments: the saved model,
// its hyperparameters, the triplet losses and the consumption regression results of every epoch.
// With -plot it also writes an HTML page with the loss and r² curves.
//
// Example:
//
//	tile2vec_report -losses -regression first_exp second_exp
//
// Experiments are given by name, and resolved with the same directory layout used by tile2vec.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagHome  = flag.String("home", "", "Home directory of the data and outputs. Defaults to $"+paths.EnvHome+" or "+paths.DefaultHome+".")
	flagPaths = flag.String("paths", "", "YAML file overriding the directories layout.")

	flagSummary    = flag.Bool("summary", false, "Summary of the saved model: global step, epoch and sizes.")
	flagParams     = flag.Bool("params", false, "Lists the hyperparameters saved with the model.")
	flagLosses     = flag.Bool("losses", false, "Lists the triplet losses of each epoch.")
	flagRegression = flag.Bool("regression", false, "Lists the consumption regression r² and mse of each epoch.")
	flagAll        = flag.Bool("all", false, "Reports everything, except the variables.")
)

// Experiment being reported.
type Experiment struct {
	// Name of the experiment, and its directories.
	Name, Dir, LogDir string

	// Ctx holds the variables and hyperparameters of the latest checkpoint, if any was saved.
	Ctx           *context.Context
	HasCheckpoint bool
}

// LoadExperiment from the experiment directory of name.
func LoadExperiment(p *paths.Paths, name string) (*Experiment, error) {
	e := &Experiment{
		Name:   name,
		Dir:    p.ExperimentDir(name),
		LogDir: p.LogDir(name),
		Ctx:    context.New(),
	}
	exists, err := fsutil.FileExists(e.Dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("experiment %q not found in %q", name, e.Dir)
	}
	_, err = checkpoints.Build(e.Ctx).Dir(e.Dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint of experiment %q", name)
	}
	for range e.Ctx.IterVariables() {
		e.HasCheckpoint = true
		break
	}
	return e, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing experiment name(s) to report. See 'tile2vec_report -help'")
		os.Exit(1)
	}
	if *flagAll {
		*flagSummary, *flagParams, *flagLosses, *flagRegression, *flagMetrics = true, true, true, true, true
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagLosses && !*flagRegression && !*flagMetrics &&
		!*flagPlot && *flagDeleteVars == "" {
		*flagSummary, *flagLosses, *flagRegression = true, true, true
	}

	err := exceptions.TryCatch[error](func() { report(args) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func report(names []string) {
	p := must.M1(paths.Load(*flagPaths, *flagHome))
	experiments := make([]*Experiment, 0, len(names))
	for _, name := range names {
		experiments = append(experiments, must.M1(LoadExperiment(p, name)))
	}

	if *flagDeleteVars != "" {
		for _, e := range experiments {
			numDeleted := must.M1(DeleteVars(e.Dir, *flagDeleteVars))
			fmt.Printf("%s: %d variables deleted under %q\n", e.Name, numDeleted, *flagDeleteVars)
		}
		return
	}
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(Summary(experiments).Render())
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(Params(experiments).Table.Render())
	}
	if *flagVars {
		for _, e := range experiments {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q", e.Name)))
			fmt.Println(must.M1(ListVariables(e.Ctx.InAbsPath(*flagScope))).Render())
		}
	}
	if *flagLosses {
		fmt.Println(titleStyle.Render("Triplet Losses"))
		fmt.Println(must.M1(Losses(experiments)).Render())
	}
	if *flagRegression {
		fmt.Println(titleStyle.Render("Consumption Regression"))
		fmt.Println(must.M1(Regression(experiments)).Render())
	}
	if *flagMetrics {
		fmt.Println(titleStyle.Render("Scalars"))
		fmt.Println(must.M1(Metrics(experiments, *flagMetricsNames)).Render())
	}
	if *flagPlot {
		fmt.Printf("\nPlots written to:\t%s\n\n", must.M1(WritePlots(experiments, *flagPlotFile)))
	}
}
