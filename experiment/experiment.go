// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment runs a tile2vec experiment: for each epoch it optionally trains TileNet on the triplet
// datasets, measures the validation losses, extracts the LSMS cluster features and regresses the cluster
// consumption on them, and saves the checkpoints, histories and regression results.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/tile2vec/features"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/gomlx/tile2vec/regression"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/gomlx/tile2vec/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamEpoch is the context parameter with the last epoch completed, saved with each checkpoint.
const ParamEpoch = "epoch"

// ParamsExcludedFromLoading are saved with the checkpoints, but not restored when an experiment is resumed:
// the values of the current run are used instead.
var ParamsExcludedFromLoading = []string{training.ParamPrintEvery}

// Kinds of cluster images featurized.
const (
	Small = "small"
	Big   = "big"
)

// History of the losses and regression metrics of an experiment.
type History struct {
	TrainLoss     []float64 `json:"train_loss"`
	LSMSTrainLoss []float64 `json:"lsms_loss_train"`
	TestLoss      []float64 `json:"test_loss"`
	ValLoss       []float64 `json:"val_loss"`
	LSMSValLoss   []float64 `json:"lsms_loss_val"`

	// R2 and MSE of each regression trial, indexed by kind (Small or Big) and then by the epoch index,
	// counted from EpochsStart.
	R2  map[string]map[int][]float64 `json:"r2"`
	MSE map[string]map[int][]float64 `json:"mse"`
}

func newHistory() *History {
	return &History{
		R2:  map[string]map[int][]float64{Small: {}, Big: {}},
		MSE: map[string]map[int][]float64{Small: {}, Big: {}},
	}
}

// Experiment holds the state of a run.
type Experiment struct {
	config  *Config
	paths   *paths.Paths
	backend backends.Backend
	ctx     *context.Context

	datasets   map[string]train.Dataset
	trainer    *training.Trainer
	extractor  *features.Extractor
	checkpoint *checkpoints.Handler

	pointWriter chan<- plots.Point
	pointErr    <-chan error

	history *History
	start   time.Time
}

// Dataset names, also used as the scalar names of their losses.
const (
	TrainDataset     = "train"
	LSMSTrainDataset = "lsms_train"
	TestDataset      = "test"
	ValDataset       = "val"
	LSMSValDataset   = "lsms_val"
)

// New validates the configuration, creates the enabled datasets, loads the model and prepares the output
// directories.
//
// The model hyperparameters are taken from ctx (see training.CreateDefaultContext).
// If config.SaveModels is set and the experiment directory already has checkpoints, the latest one is loaded,
// unless config.ModelFn is given. Hyperparameters saved with the checkpoint override those in ctx, except
// config.ParamsSet and ParamsExcludedFromLoading.
func New(backend backends.Backend, ctx *context.Context, config *Config, p *paths.Paths) (*Experiment, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Experiment{
		config:   config,
		paths:    p,
		backend:  backend,
		ctx:      ctx,
		datasets: make(map[string]train.Dataset),
		history:  newHistory(),
		start:    time.Now(),
	}
	if !config.SaveModels {
		klog.Info("Not Saving Checkpoints")
	}
	if err := e.createDatasets(); err != nil {
		return nil, err
	}

	expDir := p.ExperimentDir(config.ExpName)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create experiment directory %q", expDir)
	}
	if config.SaveModels {
		var err error
		e.checkpoint, err = checkpoints.Build(ctx).Dir(expDir).Keep(-1).
			ExcludeParams(append(config.ParamsSet, ParamsExcludedFromLoading...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to configure checkpoints in %q", expDir)
		}
	}
	if config.ModelFn != "" {
		if err := LoadModel(ctx, config.ModelFn); err != nil {
			return nil, err
		}
	}
	klog.Infof("%s set up complete (z_dim=%d).",
		context.GetParamOr(ctx, tilenet.ParamModel, ""), context.GetParamOr(ctx, tilenet.ParamZDim, 0))

	if config.needsTrainer() {
		var err error
		e.trainer, err = training.New(backend, ctx, config.Progress)
		if err != nil {
			return nil, err
		}
	}
	if config.PredictSmall || config.PredictBig {
		featuresConfig := config.Features
		featuresConfig.Quantile = config.Quantile
		featuresConfig.ShowProgress = config.Progress
		featuresConfig.Seed = config.Seed
		var err error
		e.extractor, err = features.NewExtractor(backend, ctx, featuresConfig)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadModel loads the model variables from the latest checkpoint in dir into ctx.
// The hyperparameters in ctx are kept.
func LoadModel(ctx *context.Context, dir string) error {
	_, err := checkpoints.Load(ctx).Dir(dir).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load model from %q", dir)
	}
	klog.Infof("Model loaded from %q", dir)
	return nil
}

func (e *Experiment) createDatasets() error {
	cfg := e.config
	batchSize := context.GetParamOr(e.ctx, training.ParamBatchSize, cfg.Tiles.BatchSize)
	for ii, def := range []struct {
		name    string
		enabled bool
		dir     string
		n       int
	}{
		{TrainDataset, cfg.Train, e.paths.TrainTiles, cfg.NTrain},
		{TestDataset, cfg.Test, e.paths.TestTiles, cfg.NTest},
		{ValDataset, cfg.Val, e.paths.ValTiles, cfg.NVal},
		{LSMSTrainDataset, cfg.LSMSTrain, e.paths.LSMSTrainTiles, cfg.NLSMSTrain},
		{LSMSValDataset, cfg.LSMSVal, e.paths.LSMSValTiles, cfg.NLSMSVal},
	} {
		if !def.enabled {
			continue
		}
		dsConfig := cfg.Tiles
		dsConfig.BatchSize = batchSize
		dsConfig.NumTriplets = def.n
		dsConfig.PairsOnly = true
		if cfg.Seed != 0 {
			dsConfig.Seed = cfg.Seed + uint64(ii)
		}
		ds, err := tiles.NewDataset(def.name, def.dir, dsConfig)
		if err != nil {
			return errors.WithMessagef(err, "-%s", def.name)
		}
		e.datasets[def.name] = ds.Parallel()
		klog.Infof("%s dataset set up complete: %d triplets in %q", def.name, ds.NumTriplets(), def.dir)
	}
	return nil
}

// History returns the losses and regression metrics recorded so far.
func (e *Experiment) History() *History { return e.history }

// Run executes the epochs loop. The scalar log is written to the experiment log directory.
func (e *Experiment) Run() (err error) {
	logDir := e.paths.LogDir(e.config.ExpName)
	if err = os.MkdirAll(logDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create log directory %q", logDir)
	}
	if err = e.saveJSON(CommandFile, e.config); err != nil {
		return err
	}
	e.pointWriter, e.pointErr = plots.CreatePointsWriter(filepath.Join(logDir, plots.TrainingPlotFileName))
	defer func() {
		close(e.pointWriter)
		if writeErr := <-e.pointErr; err == nil && writeErr != nil {
			err = writeErr
		}
	}()

	klog.Info("Begin Training")
	for epoch := e.config.EpochsStart; epoch < e.config.EpochsEnd; epoch++ {
		if err = e.runEpoch(epoch); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
	}
	klog.Infof("Finished in %s.", commandline.FormatDuration(time.Since(e.start)))
	return nil
}

func (e *Experiment) runEpoch(epoch int) error {
	cfg := e.config
	// Training epochs are reported 1-based.
	for _, pass := range []struct {
		dataset string
		train   bool
		history *[]float64
	}{
		{TrainDataset, true, &e.history.TrainLoss},
		{LSMSTrainDataset, true, &e.history.LSMSTrainLoss},
		{TestDataset, false, &e.history.TestLoss},
		{ValDataset, false, &e.history.ValLoss},
		{LSMSValDataset, false, &e.history.LSMSValLoss},
	} {
		ds, found := e.datasets[pass.dataset]
		if !found {
			continue
		}
		var loss float64
		var err error
		if pass.train {
			loss, err = e.trainer.TrainEpoch(ds, epoch+1)
		} else {
			loss, err = e.trainer.ValidateEpoch(ds, epoch+1)
		}
		if err != nil {
			return err
		}
		*pass.history = append(*pass.history, loss)
		e.addScalar("loss/"+pass.dataset, pass.dataset, "loss", epoch, loss)
	}

	if cfg.PredictSmall {
		if err := e.predict(Small, epoch); err != nil {
			return err
		}
	}
	if cfg.PredictBig {
		if err := e.predict(Big, epoch); err != nil {
			return err
		}
	}
	if cfg.SaveModels {
		return e.save(epoch)
	}
	return nil
}

func (e *Experiment) addScalar(name, short, metricType string, epoch int, value float64) {
	e.pointWriter <- plots.Point{
		MetricName: name,
		Short:      short,
		MetricType: metricType,
		Step:       float64(epoch),
		Value:      value,
	}
}

// predict extracts the features of the cluster images of the given kind, saves them, and runs the
// regression trials.
func (e *Experiment) predict(kind string, epoch int) error {
	cfg := e.config
	epochIdx := epoch - cfg.EpochsStart
	klog.Infof("Generating LSMS %s image features", kind)
	var imagesDir string
	var extract func([]string) ([][]float32, error)
	if kind == Small {
		imagesDir, extract = e.paths.LSMSImagesSmall, e.extractor.SmallFeatures
	} else {
		imagesDir, extract = e.paths.LSMSImagesBig, e.extractor.BigFeatures
	}
	x, err := extract(features.ClusterImageNames(imagesDir, cfg.NumClusterImages))
	if err != nil {
		return err
	}
	if err = os.MkdirAll(e.paths.LSMSData, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create LSMS data directory %q", e.paths.LSMSData)
	}
	if err = features.SaveFeatures(e.paths.FeaturesFile(cfg.ExpName), x); err != nil {
		return err
	}

	var result *regression.Result
	e.history.R2[kind][epochIdx] = nil
	e.history.MSE[kind][epochIdx] = nil
	for trial := range cfg.Trials {
		params := cfg.Regression
		if cfg.Seed != 0 {
			params.Seed = cfg.Seed + uint64(trial)
		} else {
			params.Seed = uint64(time.Now().UnixNano()) + uint64(trial)
		}
		result, err = regression.PredictConsumption(e.paths.LSMSData, cfg.ExpName, params)
		if err != nil {
			return errors.WithMessagef(err, "%s regression trial %d", kind, trial)
		}
		e.history.R2[kind][epochIdx] = append(e.history.R2[kind][epochIdx], result.R2)
		e.history.MSE[kind][epochIdx] = append(e.history.MSE[kind][epochIdx], result.MSE)
	}
	meanR2 := regression.Mean(e.history.R2[kind][epochIdx])
	meanMSE := regression.Mean(e.history.MSE[kind][epochIdx])
	err = e.saveJSON(PredictionsFile(kind, epoch), &Predictions{Y: result.Y, YHat: result.YHat, MeanR2: meanR2})
	if err != nil {
		return err
	}
	klog.Infof("%s r2: %.4f", kind, meanR2)
	klog.Infof("%s mse: %.4f", kind, meanMSE)
	e.addScalar("r2/"+kind, "r2 "+kind, "r2", epoch, meanR2)
	e.addScalar("mse/"+kind, "mse "+kind, "mse", epoch, meanMSE)

	if cfg.Plots {
		plotPath := filepath.Join(e.paths.FiguresDir(cfg.ExpName), fmt.Sprintf("%s_e%d.png", kind, epoch))
		if err = regression.PlotPredictions(plotPath, result.Y, result.YHat, meanR2, cfg.Regression.Margin); err != nil {
			return err
		}
	}
	return nil
}

// save writes the checkpoint of the epoch and the histories.
func (e *Experiment) save(epoch int) error {
	cfg := e.config
	klog.Info("Saving")
	e.ctx.SetParam(ParamEpoch, epoch)
	if err := e.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint of epoch %d", epoch)
	}
	for _, h := range []struct {
		enabled  bool
		fileName string
		values   []float64
	}{
		{cfg.Train, TrainLossFile, e.history.TrainLoss},
		{cfg.Test, TestLossFile, e.history.TestLoss},
		{cfg.Val, ValLossFile, e.history.ValLoss},
		{cfg.LSMSTrain, LSMSTrainLossFile, e.history.LSMSTrainLoss},
		{cfg.LSMSVal, LSMSValLossFile, e.history.LSMSValLoss},
	} {
		if !h.enabled {
			continue
		}
		if err := e.saveJSON(h.fileName, h.values); err != nil {
			return err
		}
	}
	if cfg.PredictSmall || cfg.PredictBig {
		if err := e.saveJSON(R2File(epoch), e.history.R2); err != nil {
			return err
		}
		if err := e.saveJSON(MSEFile(epoch), e.history.MSE); err != nil {
			return err
		}
	}
	return nil
}

func (e *Experiment) saveJSON(fileName string, value any) error {
	return SaveJSON(filepath.Join(e.paths.ExperimentDir(e.config.ExpName), fileName), value)
}

// Run creates the Experiment and runs it.
func Run(backend backends.Backend, ctx *context.Context, config *Config, p *paths.Paths) error {
	e, err := New(backend, ctx, config, p)
	if err != nil {
		return err
	}
	return e.Run()
}
