// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// createRandomTriplets writes n random triplets of size×size tiles with 5 Landsat-like bands.
func createRandomTriplets(t *testing.T, dir string, n, size int) {
	rng := rand.New(rand.NewPCG(uint64(n), uint64(size)))
	for idx := range n {
		var triplet tiles.Triplet
		for member := tiles.Anchor; member <= tiles.Distant; member++ {
			tile := tiles.NewTile(size, size, 5)
			for ii := range tile.Data {
				tile.Data[ii] = rng.Float32() * tiles.LandsatMaxValue
			}
			triplet[member] = tile
		}
		require.NoError(t, triplet.Save(dir, idx))
	}
}

func createTestContext(t *testing.T) *context.Context {
	ctx := CreateDefaultContext()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	ctx.SetParams(map[string]any{
		tilenet.ParamModel: "miniminires",
		tilenet.ParamZDim:  4,
		tilenet.ParamL2:    0.0,
		ParamBatchSize:     2,
		ParamPrintEvery:    2,
	})
	return ctx
}

func TestDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, "tilenet", context.GetParamOr(ctx, tilenet.ParamModel, ""))
	assert.Equal(t, 512, context.GetParamOr(ctx, tilenet.ParamZDim, 0))
	assert.Equal(t, 50, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.InDelta(t, 50.0, context.GetParamOr(ctx, tilenet.ParamMargin, 0.0), 1e-9)
	assert.InDelta(t, 0.01, context.GetParamOr(ctx, tilenet.ParamL2, 0.0), 1e-9)
}

func TestNewInvalid(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := createTestContext(t)
	ctx.SetParam(tilenet.ParamModel, "alexnet")
	_, err := New(backend, ctx, false)
	require.Error(t, err)

	ctx = createTestContext(t)
	ctx.SetParam(tilenet.ParamZDim, 0)
	_, err = New(backend, ctx, false)
	require.Error(t, err)
}

func TestTrainAndValidateEpoch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
		return
	}
	dir := t.TempDir()
	createRandomTriplets(t, dir, 4, 8)
	config := tiles.DefaultConfig()
	config.BatchSize = 2
	config.NumWorkers = 0
	config.Seed = 3
	ds, err := tiles.NewDataset("train", dir, config)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := createTestContext(t)
	trainer, err := New(backend, ctx, false)
	require.NoError(t, err)
	assert.False(t, HasModelVariables(ctx))

	for epoch := 1; epoch <= 2; epoch++ {
		trainLoss, err := trainer.TrainEpoch(ds, epoch)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(trainLoss))
		assert.GreaterOrEqual(t, trainLoss, 0.0)
	}
	assert.Equal(t, 4, trainer.GlobalStep())
	assert.True(t, HasModelVariables(ctx))

	validationLoss, err := trainer.ValidateEpoch(ds, 2)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(validationLoss))
	assert.GreaterOrEqual(t, validationLoss, 0.0)

	// A new trainer on the same context reuses the trained variables.
	trainer, err = New(backend, ctx, false)
	require.NoError(t, err)
	_, err = trainer.TrainEpoch(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, trainer.GlobalStep())
}
