// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestClusterImageNames(t *testing.T) {
	names := ClusterImageNames("/data/small", 3)
	require.Len(t, names, 3)
	assert.Equal(t, "/data/small/landsat7_uganda_3yr_cluster_0.tif", names[0])
	assert.Equal(t, "/data/small/landsat7_uganda_3yr_cluster_2.tif", names[2])
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()

	// Raster image: 8-bit RGBA.
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	img.SetNRGBA(1, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	pngPath := filepath.Join(dir, "cluster.png")
	require.NoError(t, imaging.Save(img, pngPath))
	tile, err := LoadImage(pngPath, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 3}, []int{tile.Height, tile.Width, tile.Channels})
	assert.Equal(t, float32(20), tile.At(2, 1, 1))
	_, err = LoadImage(pngPath, 5)
	require.Error(t, err)

	// A ".npy" with the same base name takes precedence.
	multiBand := tiles.NewTile(2, 2, 6)
	multiBand.Set(1, 1, 5, 7)
	tifPath := filepath.Join(dir, "landsat.tif")
	require.NoError(t, multiBand.SaveNpy(filepath.Join(dir, "landsat.npy")))
	tile, err = LoadImage(tifPath, 6)
	require.NoError(t, err)
	assert.Equal(t, float32(7), tile.At(1, 1, 5))

	_, err = LoadImage(filepath.Join(dir, "missing.tif"), 3)
	require.Error(t, err)
}

func TestFromImageGray16(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 2))
	img.SetGray16(0, 1, color.Gray16{Y: 9000})
	tile := FromImage(img)
	assert.Equal(t, 1, tile.Channels)
	assert.Equal(t, float32(9000), tile.At(1, 0, 0))
}

func TestQuantileNormalize(t *testing.T) {
	tile := tiles.NewTile(10, 10, 2)
	for ii := range 100 {
		tile.Data[ii*2] = float32(ii)
		tile.Data[ii*2+1] = 3 // Constant band.
	}
	QuantileNormalize(tile)
	for ii := range 100 {
		v := tile.Data[ii*2]
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
		assert.Equal(t, float32(0), tile.Data[ii*2+1])
	}
	assert.Equal(t, float32(0), tile.Data[0])
	assert.Equal(t, float32(1), tile.Data[99*2])
}

// writeClusterImages writes n random 5-band images of size×size as ".npy" files next to the ".tif" names.
func writeClusterImages(t *testing.T, dir string, n, size int) []string {
	names := ClusterImageNames(dir, n)
	for ii, name := range names {
		img := tiles.NewTile(size, size, 5)
		for jj := range img.Data {
			img.Data[jj] = float32((ii*31 + jj*17) % 10000)
		}
		npyPath := name[:len(name)-len(".tif")] + ".npy"
		require.NoError(t, img.SaveNpy(npyPath))
	}
	return names
}

func createTestExtractor(t *testing.T, config Config) *Extractor {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	ctx.SetParams(map[string]any{tilenet.ParamModel: "miniminires", tilenet.ParamZDim: 4})
	extractor, err := NewExtractor(backend, ctx, config)
	require.NoError(t, err)
	return extractor
}

func TestExtractor(t *testing.T) {
	dir := t.TempDir()
	names := writeClusterImages(t, dir, 3, 12)
	config := DefaultConfig()
	config.PatchSize = 4
	config.PatchesPerImage = 3
	extractor := createTestExtractor(t, config)

	small, err := extractor.SmallFeatures(names)
	require.NoError(t, err)
	require.Len(t, small, 3)
	for _, row := range small {
		assert.Len(t, row, 4)
	}

	big, err := extractor.BigFeatures(names)
	require.NoError(t, err)
	require.Len(t, big, 3)
	for _, row := range big {
		assert.Len(t, row, 4)
	}

	// Patches larger than the images.
	config.PatchSize = 20
	extractor = createTestExtractor(t, config)
	_, err = extractor.BigFeatures(names)
	require.ErrorContains(t, err, "smaller than the patch size")
}

func TestExtractorWorkers(t *testing.T) {
	names := writeClusterImages(t, t.TempDir(), 5, 8)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	ctx.SetParams(map[string]any{tilenet.ParamModel: "miniminires", tilenet.ParamZDim: 4})
	config := DefaultConfig()
	config.PatchSize = 4
	config.Seed = 3

	var results [][][]float32
	for _, numWorkers := range []int{0, 1, 3} {
		config.NumWorkers = numWorkers
		extractor, err := NewExtractor(backend, ctx, config)
		require.NoError(t, err)
		small, err := extractor.SmallFeatures(names)
		require.NoError(t, err)
		results = append(results, small)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestGridPatches(t *testing.T) {
	extractor := &Extractor{config: Config{PatchSize: 4}}
	patches, err := extractor.gridPatches(tiles.NewTile(10, 9, 1))
	require.NoError(t, err)
	assert.Len(t, patches, 4) // 2x2 grid, borders dropped.
}

func TestSaveFeatures(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "features.npy")
	require.NoError(t, SaveFeatures(filePath, [][]float32{{1, 2}, {3, 4}, {5, 6}}))
	loaded, err := numpy.FromNpyFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, loaded.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](loaded))

	require.Error(t, SaveFeatures(filePath, [][]float32{{1, 2}, {3}}))
	require.Error(t, SaveFeatures(filePath, nil))
	_, err = os.Stat(filePath)
	require.NoError(t, err)
}
