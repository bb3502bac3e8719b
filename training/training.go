// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training runs the TileNet triplet training and validation passes, one epoch at a time,
// and reports the average triplet loss of each pass.
package training

import (
	"math"
	"slices"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamBatchSize is the hyperparameter with the number of triplets per batch.
	ParamBatchSize = "batch_size"

	// ParamPrintEvery is the hyperparameter with the number of triplets between progress logs.
	ParamPrintEvery = "print_every"

	// MeanLossMetricName is the name of the metric with the average triplet loss.
	MeanLossMetricName = "Mean Triplet Loss"
)

// CreateDefaultContext sets the context with the default hyperparameters used to train TileNet.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model.
		tilenet.ParamModel:             "tilenet",
		tilenet.ParamZDim:              512,
		tilenet.ParamBatchNormMomentum: 0.9,

		// Loss.
		tilenet.ParamMargin: tilenet.DefaultMargin,
		tilenet.ParamL2:     tilenet.DefaultL2,

		// Optimizer.
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamBeta1:    0.5,
		optimizers.ParamAdamBeta2:    0.999,
		optimizers.ParamAdamEpsilon:  1e-8,

		ParamBatchSize:  50,
		ParamPrintEvery: 10000,
	})
	return ctx
}

// Trainer trains and validates a TileNet model held in a context.
type Trainer struct {
	ctx     *context.Context
	trainer *train.Trainer
	loop    *train.Loop

	batchSize, printEvery int

	// Progress of the current training epoch, updated by onStep.
	epoch            int
	epochStart       time.Time
	numBatches       int
	numTriplets      int
	sumBatchLoss     float64
	lastPrintTriplet int
}

// New creates a Trainer for the model configured in ctx.
//
// If ctx already holds the model variables (e.g. loaded from a checkpoint), they are reused.
// If showProgress is set, a progress bar is displayed during training.
func New(backend backends.Backend, ctx *context.Context, showProgress bool) (*Trainer, error) {
	modelName := context.GetParamOr(ctx, tilenet.ParamModel, tilenet.ValidModels[0])
	if _, err := tilenet.SelectModel(modelName); err != nil {
		return nil, err
	}
	if zDim := context.GetParamOr(ctx, tilenet.ParamZDim, 0); zDim <= 0 {
		return nil, errors.Errorf("hyperparameter %q must be > 0, got %d", tilenet.ParamZDim, zDim)
	}
	t := &Trainer{
		ctx:        ctx,
		batchSize:  context.GetParamOr(ctx, ParamBatchSize, 50),
		printEvery: context.GetParamOr(ctx, ParamPrintEvery, 0),
	}
	if t.batchSize <= 0 {
		return nil, errors.Errorf("hyperparameter %q must be > 0, got %d", ParamBatchSize, t.batchSize)
	}

	margin := context.GetParamOr(ctx, tilenet.ParamMargin, tilenet.DefaultMargin)
	l2 := context.GetParamOr(ctx, tilenet.ParamL2, tilenet.DefaultL2)
	t.trainer = train.NewTrainer(backend, ctx, tilenet.ModelGraph,
		tilenet.TripletLoss(margin, l2),
		optimizers.FromContext(ctx),
		[]metrics.Interface{newMeanLossMetric(margin, l2)}, // trainMetrics
		[]metrics.Interface{newMeanLossMetric(margin, l2)}) // evalMetrics
	if HasModelVariables(ctx) {
		t.trainer.SetContext(ctx.Reuse())
	}

	t.loop = train.NewLoop(t.trainer)
	if showProgress {
		commandline.AttachProgressBar(t.loop)
	}
	t.loop.OnStep("triplet loss log", 0, t.onStep)
	return t, nil
}

// HasModelVariables returns whether the TileNet variables already exist in ctx.
func HasModelVariables(ctx *context.Context) bool {
	for range ctx.In(tilenet.Scope).IterVariablesInScope() {
		return true
	}
	return false
}

// newMeanLossMetric is the triplet loss averaged over all examples of an epoch.
func newMeanLossMetric(margin, l2 float64) metrics.Interface {
	return metrics.NewMeanMetric(MeanLossMetricName, "#triplet", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return tilenet.TripletLossGraph(predictions[0], predictions[1], predictions[2], margin, l2)
		}, nil)
}

// Context used by the trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Loop returns the underlying train.Loop, so callbacks can be attached to it.
func (t *Trainer) Loop() *train.Loop { return t.loop }

// GlobalStep is the number of training steps taken so far, including earlier runs restored from a checkpoint.
func (t *Trainer) GlobalStep() int {
	return int(optimizers.GetGlobalStep(t.ctx))
}

// TrainEpoch trains the model for one pass over ds and returns the average triplet loss.
// The epoch number is only used for logging.
func (t *Trainer) TrainEpoch(ds train.Dataset, epoch int) (float64, error) {
	t.epoch = epoch
	t.epochStart = time.Now()
	t.numBatches, t.numTriplets, t.sumBatchLoss, t.lastPrintTriplet = 0, 0, 0, 0
	ds.Reset()
	values, err := t.loop.RunEpochs(ds, 1)
	if err != nil {
		return 0, errors.WithMessagef(err, "training epoch %d on %q", epoch, ds.Name())
	}
	avgLoss, err := metricValue(t.trainer.TrainMetrics(), values, MeanLossMetricName)
	if err != nil {
		return 0, err
	}
	klog.Infof("Finished epoch %d (%s): %d batches, average train loss %.4f, took %s",
		epoch, ds.Name(), t.numBatches, avgLoss, commandline.FormatDuration(time.Since(t.epochStart)))
	return avgLoss, nil
}

// ValidateEpoch evaluates the model on one pass over ds, without updating it, and returns
// the average triplet loss.
func (t *Trainer) ValidateEpoch(ds train.Dataset, epoch int) (float64, error) {
	start := time.Now()
	ds.Reset()
	values, err := t.trainer.Eval(ds)
	if err != nil {
		return 0, errors.WithMessagef(err, "validating epoch %d on %q", epoch, ds.Name())
	}
	avgLoss, err := metricValue(t.trainer.EvalMetrics(), values, MeanLossMetricName)
	if err != nil {
		return 0, err
	}
	klog.Infof("Finished validation epoch %d (%s): average loss %.4f, took %s",
		epoch, ds.Name(), avgLoss, commandline.FormatDuration(time.Since(start)))
	return avgLoss, nil
}

// onStep accumulates the batch losses of the current epoch, and logs the running average
// every printEvery triplets.
func (t *Trainer) onStep(_ *train.Loop, values []*tensors.Tensor) error {
	if len(values) == 0 {
		return nil
	}
	batchLoss := shapes.ConvertTo[float64](values[0].Value())
	if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
		return errors.Errorf("epoch %d: invalid triplet loss %g after %d batches", t.epoch, batchLoss, t.numBatches)
	}
	t.numBatches++
	t.numTriplets += t.batchSize
	t.sumBatchLoss += batchLoss
	if t.printEvery > 0 && t.numTriplets-t.lastPrintTriplet >= t.printEvery {
		t.lastPrintTriplet = t.numTriplets
		klog.Infof("Epoch %d: [%d triplets] running average loss %.4f (%s elapsed)",
			t.epoch, t.numTriplets, t.sumBatchLoss/float64(t.numBatches),
			commandline.FormatDuration(time.Since(t.epochStart)))
	}
	return nil
}

// metricValue returns the value of the metric named name.
func metricValue(metricsObjs []metrics.Interface, values []*tensors.Tensor, name string) (float64, error) {
	idx := slices.IndexFunc(metricsObjs, func(m metrics.Interface) bool { return m.Name() == name })
	if idx < 0 || idx >= len(values) {
		return 0, errors.Errorf("metric %q not found in %d metric values", name, len(values))
	}
	return shapes.ConvertTo[float64](values[idx].Value()), nil
}
