// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/tile2vec/features"
	"github.com/gomlx/tile2vec/internal/paths"
	"github.com/gomlx/tile2vec/regression"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/gomlx/tile2vec/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func randomTile(rng *rand.Rand, size int) *tiles.Tile {
	tile := tiles.NewTile(size, size, 5)
	for ii := range tile.Data {
		tile.Data[ii] = rng.Float32() * tiles.LandsatMaxValue
	}
	return tile
}

// createTestData populates the tiles, cluster images and consumptions under p.
func createTestData(t *testing.T, p *paths.Paths, numTriplets, numClusters int) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, dir := range []string{p.TrainTiles, p.ValTiles} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for idx := range numTriplets {
			triplet := tiles.Triplet{randomTile(rng, 8), randomTile(rng, 8), randomTile(rng, 8)}
			require.NoError(t, triplet.Save(dir, idx))
		}
	}

	require.NoError(t, os.MkdirAll(p.LSMSImagesSmall, 0o755))
	for _, name := range features.ClusterImageNames(p.LSMSImagesSmall, numClusters) {
		require.NoError(t, randomTile(rng, 8).SaveNpy(strings.TrimSuffix(name, ".tif")+".npy"))
	}
	require.NoError(t, os.MkdirAll(p.LSMSData, 0o755))
	consumptions := make([]float32, numClusters)
	for ii := range consumptions {
		consumptions[ii] = 1 + rng.Float32()*10
	}
	require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(consumptions, numClusters),
		filepath.Join(p.LSMSData, regression.ConsumptionsNpy)))
}

func createTestContext(t *testing.T) *context.Context {
	ctx := training.CreateDefaultContext()
	require.NoError(t, ctx.SetRNGStateFromSeed(1))
	ctx.SetParams(map[string]any{
		tilenet.ParamModel:      "miniminires",
		tilenet.ParamZDim:       4,
		training.ParamBatchSize: 2,
	})
	return ctx
}

func createTestConfig() *Config {
	config := DefaultConfig()
	config.ExpName = "test_exp"
	config.Train, config.NTrain = true, 4
	config.Val, config.NVal = true, 4
	config.PredictSmall = true
	config.Trials = 2
	config.NumClusterImages = 12
	config.EpochsStart, config.EpochsEnd = 0, 2
	config.SaveModels = true
	config.Progress = false
	config.Seed = 7
	config.Tiles.NumWorkers = 0
	config.Features.PatchSize = 4
	config.Features.PatchesPerImage = 2
	config.Regression.K = 2
	config.Regression.KInner = 2
	config.Regression.Points = 2
	return config
}

func TestConfigValidate(t *testing.T) {
	config := createTestConfig()
	require.NoError(t, config.Validate())

	config.ExpName = ""
	require.Error(t, config.Validate())

	config = createTestConfig()
	config.EpochsStart, config.EpochsEnd = 3, 2
	require.Error(t, config.Validate())

	config = createTestConfig()
	config.NTrain = 0
	require.ErrorContains(t, config.Validate(), "ntrain")

	config = createTestConfig()
	config.Trials = 0
	require.ErrorContains(t, config.Validate(), "trials")

	// Disabled datasets don't need counts.
	config = createTestConfig()
	config.Test, config.NTest = false, -1
	require.NoError(t, config.Validate())
}

func TestMissingTiles(t *testing.T) {
	p, err := paths.New(t.TempDir())
	require.NoError(t, err)
	_, err = New(graphtest.BuildTestBackend(), createTestContext(t), createTestConfig(), p)
	require.ErrorContains(t, err, "-train")
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping experiment test in short mode")
		return
	}
	p, err := paths.New(t.TempDir())
	require.NoError(t, err)
	createTestData(t, p, 4, 12)
	config := createTestConfig()
	backend := graphtest.BuildTestBackend()

	e, err := New(backend, createTestContext(t), config, p)
	require.NoError(t, err)
	require.NoError(t, e.Run())

	history := e.History()
	assert.Len(t, history.TrainLoss, 2)
	assert.Len(t, history.ValLoss, 2)
	assert.Empty(t, history.TestLoss)
	for epochIdx := range 2 {
		assert.Len(t, history.R2[Small][epochIdx], config.Trials)
		assert.Len(t, history.MSE[Small][epochIdx], config.Trials)
	}
	assert.Empty(t, history.R2[Big])

	expDir := p.ExperimentDir(config.ExpName)
	for _, fileName := range []string{CommandFile, TrainLossFile, ValLossFile,
		PredictionsFile(Small, 0), PredictionsFile(Small, 1), R2File(0), R2File(1), MSEFile(1)} {
		assert.FileExists(t, filepath.Join(expDir, fileName))
	}
	assert.NoFileExists(t, filepath.Join(expDir, TestLossFile))
	assert.FileExists(t, p.FeaturesFile(config.ExpName))

	var savedConfig Config
	require.NoError(t, LoadJSON(filepath.Join(expDir, CommandFile), &savedConfig))
	assert.Equal(t, config.ExpName, savedConfig.ExpName)
	assert.Equal(t, config.NTrain, savedConfig.NTrain)

	var trainLoss []float64
	require.NoError(t, LoadJSON(filepath.Join(expDir, TrainLossFile), &trainLoss))
	assert.Equal(t, history.TrainLoss, trainLoss)

	var predictions Predictions
	require.NoError(t, LoadJSON(filepath.Join(expDir, PredictionsFile(Small, 1)), &predictions))
	assert.Len(t, predictions.Y, config.NumClusterImages)
	assert.Len(t, predictions.YHat, config.NumClusterImages)
	assert.InDelta(t, regression.Mean(history.R2[Small][1]), predictions.MeanR2, 1e-9)

	var r2 map[string]map[int][]float64
	require.NoError(t, LoadJSON(filepath.Join(expDir, R2File(1)), &r2))
	assert.Len(t, r2[Small], 2)

	// One checkpoint per epoch.
	entries, err := os.ReadDir(expDir)
	require.NoError(t, err)
	var numCheckpoints int
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "checkpoint-") && strings.HasSuffix(entry.Name(), ".json") {
			numCheckpoints++
		}
	}
	assert.Equal(t, 2, numCheckpoints)

	// Scalars: train and val losses, r2 and mse, for each epoch.
	points, err := plots.LoadPoints(filepath.Join(p.LogDir(config.ExpName), plots.TrainingPlotFileName))
	require.NoError(t, err)
	assert.Len(t, points, 8)
	names := make(map[string]int)
	for _, point := range points {
		names[point.MetricName]++
	}
	assert.Equal(t, map[string]int{"loss/train": 2, "loss/val": 2, "r2/small": 2, "mse/small": 2}, names)

	// Hyperparameters are saved with the checkpoints.
	savedCtx := context.New()
	_, err = checkpoints.Build(savedCtx).Dir(expDir).Immediate().Done()
	require.NoError(t, err)
	assert.Equal(t, 1, context.GetParamOr(savedCtx, ParamEpoch, -1))
	assert.Equal(t, "miniminires", context.GetParamOr(savedCtx, tilenet.ParamModel, ""))
	assert.Equal(t, 4, context.GetParamOr(savedCtx, tilenet.ParamZDim, 0))

	// Resuming restores the saved hyperparameters, except the excluded ones and those set explicitly.
	resumeCtx := createTestContext(t)
	resumeCtx.SetParams(map[string]any{
		tilenet.ParamMargin:      7.0,
		tilenet.ParamL2:          0.5,
		training.ParamPrintEvery: 1000,
	})
	resumeConfig := createTestConfig()
	resumeConfig.EpochsStart, resumeConfig.EpochsEnd = 2, 2
	resumeConfig.ParamsSet = []string{tilenet.ParamL2}
	_, err = New(backend, resumeCtx, resumeConfig, p)
	require.NoError(t, err)
	assert.Equal(t, 1, context.GetParamOr(resumeCtx, ParamEpoch, -1))
	assert.Equal(t, tilenet.DefaultMargin, context.GetParamOr(resumeCtx, tilenet.ParamMargin, 0.0))
	assert.Equal(t, 0.5, context.GetParamOr(resumeCtx, tilenet.ParamL2, 0.0))
	assert.Equal(t, 1000, context.GetParamOr(resumeCtx, training.ParamPrintEvery, 0))

	// The saved model can be loaded into a new context.
	ctx := createTestContext(t)
	require.NoError(t, LoadModel(ctx, expDir))
	assert.True(t, training.HasModelVariables(ctx))
	require.Error(t, LoadModel(createTestContext(t), t.TempDir()))
}
