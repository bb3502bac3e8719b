// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tile2vec trains TileNet on triplets of satellite image tiles, and evaluates the learned embeddings
// by regressing the consumption of LSMS survey clusters on the features extracted from their images.
//
// Example:
//
//	tile2vec -train -ntrain=10000 -val -nval=2000 -predict_small -epochs_end=10 -save_models -exp_name=first
//
// Hyperparameters not exposed as flags can be set with -set, e.g. -set="optimizers_learning_rate=1e-4".
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/tile2vec/experiment"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/gomlx/tile2vec/regression"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/training"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	defaults = experiment.DefaultConfig()

	// Datasets.
	flagTrain      = flag.Bool("train", false, "Train on the train triplet tiles.")
	flagNTrain     = flag.Int("ntrain", defaults.NTrain, "Number of train triplets.")
	flagLSMSTrain  = flag.Bool("lsms_train", false, "Train on the LSMS triplet tiles.")
	flagNLSMSTrain = flag.Int("nlsms_train", defaults.NLSMSTrain, "Number of LSMS train triplets.")
	flagTest       = flag.Bool("test", false, "Measure the loss on the test triplet tiles.")
	flagNTest      = flag.Int("ntest", defaults.NTest, "Number of test triplets.")
	flagLSMSVal    = flag.Bool("lsms_val", false, "Measure the loss on the LSMS validation triplet tiles.")
	flagNLSMSVal   = flag.Int("nlsms_val", defaults.NLSMSVal, "Number of LSMS validation triplets.")
	flagVal        = flag.Bool("val", false, "Measure the loss on the validation triplet tiles.")
	flagNVal       = flag.Int("nval", defaults.NVal, "Number of validation triplets.")

	// Consumption prediction.
	flagPredictSmall = flag.Bool("predict_small", false, "Predict consumption from the small cluster images.")
	flagPredictBig   = flag.Bool("predict_big", false, "Predict consumption from the big cluster images.")
	flagQuantile     = flag.Bool("quantile", false, "Normalize cluster images by their per-band 2% and 98% quantiles.")
	flagTrials       = flag.Int("trials", defaults.Trials, "Number of regression trials per prediction.")
	flagEstimator    = flag.String("estimator", string(defaults.Regression.Estimator),
		fmt.Sprintf("Regression estimator, one of %v.", regression.ValidEstimators))
	flagPlots = flag.Bool("plots", false, "Save a scatter plot of the predictions of each epoch.")

	// Model.
	flagModel   = flag.String("model", defaults.Model, fmt.Sprintf("Model, one of %v.", tilenet.ValidModels))
	flagZDim    = flag.Int("z_dim", defaults.ZDim, "Embedding dimension.")
	flagModelFn = flag.String("model_fn", "", "Checkpoint directory to load the model from.")

	// Experiment.
	flagExpName     = flag.String("exp_name", "", "Experiment name. A random one is generated if empty.")
	flagEpochsStart = flag.Int("epochs_start", defaults.EpochsStart, "First epoch.")
	flagEpochsEnd   = flag.Int("epochs_end", defaults.EpochsEnd, "End epoch (exclusive).")
	flagSaveModels  = flag.Bool("save_models", false, "Save a checkpoint and the histories at every epoch.")
	flagGPU         = flag.Int("gpu", 0, "Index of the GPU to use.")
	flagDebug       = flag.Bool("debug", false, "Seed all random number generators with 1.")
	flagProgress    = flag.Bool("progress", true, "Display progress bars.")

	// Paths.
	flagHome  = flag.String("home", "", "Home directory of the data and outputs. Defaults to $"+paths.EnvHome+" or "+paths.DefaultHome+".")
	flagPaths = flag.String("paths", "", "YAML file overriding the directories layout.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	ctx.SetParam(tilenet.ParamModel, *flagModel)
	ctx.SetParam(tilenet.ParamZDim, *flagZDim)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Hyperparameters set: %v\n%s", paramsSet, commandline.SprintContextSettings(ctx))

	config := must.M1(configFromFlags(ctx))
	config.ParamsSet = paramsSet
	p := must.M1(paths.Load(*flagPaths, *flagHome))

	must.M(os.Setenv("CUDA_DEVICE_ORDER", "PCI_BUS_ID"))
	must.M(os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(config.GPU)))
	if config.Debug {
		must.M(ctx.SetRNGStateFromSeed(1))
	} else {
		ctx.ResetRNGState()
	}

	err := exceptions.TryCatch[error](func() {
		backend := backends.MustNew()
		klog.Infof("Backend: %s", backend.Description())
		must.M(experiment.Run(backend, ctx, config, p))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func configFromFlags(ctx *context.Context) (*experiment.Config, error) {
	estimator, err := regression.ParseEstimator(*flagEstimator)
	if err != nil {
		return nil, err
	}
	config := experiment.DefaultConfig()
	config.ExpName = *flagExpName
	if config.ExpName == "" {
		config.ExpName = "tile2vec-" + uuid.NewString()
		klog.Infof("Experiment name: %s", config.ExpName)
	}
	config.Train, config.NTrain = *flagTrain, *flagNTrain
	config.LSMSTrain, config.NLSMSTrain = *flagLSMSTrain, *flagNLSMSTrain
	config.Test, config.NTest = *flagTest, *flagNTest
	config.Val, config.NVal = *flagVal, *flagNVal
	config.LSMSVal, config.NLSMSVal = *flagLSMSVal, *flagNLSMSVal
	config.PredictSmall, config.PredictBig = *flagPredictSmall, *flagPredictBig
	config.Quantile = *flagQuantile
	config.Trials = *flagTrials
	config.Regression.Estimator = estimator
	config.Plots = *flagPlots
	config.Model = context.GetParamOr(ctx, tilenet.ParamModel, *flagModel)
	config.ZDim = context.GetParamOr(ctx, tilenet.ParamZDim, *flagZDim)
	if _, err = tilenet.SelectModel(config.Model); err != nil {
		return nil, err
	}
	config.ModelFn = *flagModelFn
	config.EpochsStart, config.EpochsEnd = *flagEpochsStart, *flagEpochsEnd
	config.SaveModels = *flagSaveModels
	config.GPU = *flagGPU
	config.Debug = *flagDebug
	config.Progress = *flagProgress
	if config.Debug {
		config.Seed = 1
	}
	return config, nil
}
