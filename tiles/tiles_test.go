// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampTile creates a tile whose values encode their position: 100*y + 10*x + c.
func rampTile(height, width, channels int) *Tile {
	tile := NewTile(height, width, channels)
	for y := range height {
		for x := range width {
			for c := range channels {
				tile.Set(y, x, c, float32(100*y+10*x+c))
			}
		}
	}
	return tile
}

// createTriplets writes n triplets of constant tiles to dir: all members of triplet i hold the value i.
func createTriplets(t *testing.T, dir string, n, size, channels int) {
	for idx := range n {
		var triplet Triplet
		for member := Anchor; member <= Distant; member++ {
			tile := NewTile(size, size, channels)
			for ii := range tile.Data {
				tile.Data[ii] = float32(idx)
			}
			triplet[member] = tile
		}
		require.NoError(t, triplet.Save(dir, idx))
	}
}

func TestTileCrop(t *testing.T) {
	tile := rampTile(4, 5, 2)
	crop, err := tile.Crop(1, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, crop.Height)
	assert.Equal(t, 3, crop.Width)
	assert.Equal(t, float32(120), crop.At(0, 0, 0))
	assert.Equal(t, float32(241), crop.At(1, 2, 1))

	_, err = tile.Crop(3, 0, 2, 2)
	require.Error(t, err)
}

func TestSelectBandsAndScale(t *testing.T) {
	tile := rampTile(2, 2, 3)
	selected, err := tile.SelectBands(2)
	require.NoError(t, err)
	assert.Equal(t, 2, selected.Channels)
	assert.Equal(t, float32(111), selected.At(1, 1, 1))

	_, err = tile.SelectBands(4)
	require.Error(t, err)

	landsat := &Tile{Height: 1, Width: 1, Channels: 3, Data: []float32{-5, 5000, 20000}}
	landsat.ClipAndScale(Landsat)
	assert.Equal(t, []float32{0, 0.5, 1}, landsat.Data)

	rgb := &Tile{Height: 1, Width: 1, Channels: 2, Data: []float32{0, 255}}
	rgb.ClipAndScale(RGB)
	assert.Equal(t, []float32{0, 1}, rgb.Data)
}

func TestFlipsAndRotations(t *testing.T) {
	tile := rampTile(2, 3, 1)
	// Values:
	//   0  10  20
	// 100 110 120
	assert.Equal(t, []float32{20, 10, 0, 120, 110, 100}, tile.FlipH().Data)
	assert.Equal(t, []float32{100, 110, 120, 0, 10, 20}, tile.FlipV().Data)

	rotated := tile.Rot90(1)
	assert.Equal(t, 3, rotated.Height)
	assert.Equal(t, 2, rotated.Width)
	assert.Equal(t, []float32{20, 120, 10, 110, 0, 100}, rotated.Data)

	// Four rotations return to the original, and Rot90(0) returns a copy.
	assert.Equal(t, tile.Data, tile.Rot90(4).Data)
	same := tile.Rot90(0)
	same.Data[0] = -1
	assert.Equal(t, float32(0), tile.Data[0])
	assert.Equal(t, tile.Rot90(-1).Data, tile.Rot90(3).Data)

	// Augmentation preserves the multiset of values.
	rng := rand.New(rand.NewPCG(1, 2))
	square := rampTile(3, 3, 2)
	for range 10 {
		augmented := square.Augment(rng)
		got := slices.Clone(augmented.Data)
		want := slices.Clone(square.Data)
		slices.Sort(got)
		slices.Sort(want)
		require.Equal(t, want, got)
	}
}

func TestCountTriplets(t *testing.T) {
	dir := t.TempDir()
	createTriplets(t, dir, 5, 4, 2)
	count, err := CountTriplets(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Removing a member of triplet 3 makes only the first 3 triplets usable.
	require.NoError(t, os.Remove(TripletFile(dir, 3, Neighbor)))
	count, err = CountTriplets(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = CountTriplets(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestDataset(t *testing.T) {
	dir := t.TempDir()
	createTriplets(t, dir, 7, 4, 6)

	config := DefaultConfig()
	config.ImgType = RGB
	config.BatchSize = 3
	config.NumTriplets = 7
	config.NumWorkers = 0
	config.Seed = 42
	ds, err := NewDataset("test", dir, config)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 3, ds.NumBatches())

	for epoch := range 2 {
		var seen []int
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, ds, spec)
			require.Len(t, inputs, 3)
			require.Len(t, labels, 1)
			batchSize := labels[0].Shape().Dimensions[0]
			for _, input := range inputs {
				assert.Equal(t, []int{batchSize, 4, 4, 5}, input.Shape().Dimensions)
			}
			indices := tensors.MustCopyFlatData[int32](labels[0])
			anchors := tensors.MustCopyFlatData[float32](inputs[0])
			for ii, idx := range indices {
				seen = append(seen, int(idx))
				// Constant tiles scaled by 1/255: augmentation doesn't change them.
				assert.InDelta(t, float32(idx)/255, anchors[ii*4*4*5], 1e-6)
			}
		}
		slices.Sort(seen)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seen, "epoch %d", epoch)
		ds.Reset()
	}

	// Dropping the incomplete batch.
	config.DropIncompleteBatch = true
	ds, err = NewDataset("test", dir, config)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumBatches())
	numBatches := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		numBatches++
	}
	assert.Equal(t, 2, numBatches)
}

func TestNewDatasetErrors(t *testing.T) {
	dir := t.TempDir()
	createTriplets(t, dir, 2, 4, 5)

	config := DefaultConfig()
	config.NumTriplets = 3
	_, err := NewDataset("too_many", dir, config)
	require.ErrorContains(t, err, "only 2 found")

	config.NumTriplets = 0
	ds, err := NewDataset("all", dir, config)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumTriplets())

	config.Bands = 0
	_, err = NewDataset("no_bands", dir, config)
	require.Error(t, err)

	config = DefaultConfig()
	config.ImgType = "sentinel"
	_, err = NewDataset("bad_type", dir, config)
	require.Error(t, err)

	_, err = NewDataset("empty", t.TempDir(), DefaultConfig())
	require.Error(t, err)
}

func TestParallelDataset(t *testing.T) {
	dir := t.TempDir()
	createTriplets(t, dir, 10, 4, 5)
	config := DefaultConfig()
	config.BatchSize = 2
	config.NumWorkers = 3
	config.Seed = 7
	ds, err := NewDataset("parallel", dir, config)
	require.NoError(t, err)
	pds := ds.Parallel()
	var seen []int
	for {
		_, _, labels, err := pds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, idx := range tensors.MustCopyFlatData[int32](labels[0]) {
			seen = append(seen, int(idx))
		}
	}
	slices.Sort(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestPairsOnly(t *testing.T) {
	const numTriplets, size, channels = 5, 4, 5
	dir := t.TempDir()
	// Member m of triplet i holds the value 10*i+m+1.
	for idx := range numTriplets {
		var triplet Triplet
		for member := Anchor; member <= Distant; member++ {
			tile := NewTile(size, size, channels)
			for ii := range tile.Data {
				tile.Data[ii] = float32(10*idx + int(member) + 1)
			}
			triplet[member] = tile
		}
		require.NoError(t, triplet.Save(dir, idx))
	}
	// Stored distant tiles are not needed.
	require.NoError(t, os.Remove(TripletFile(dir, numTriplets-1, Distant)))

	config := DefaultConfig()
	config.ImgType = RGB
	config.BatchSize = numTriplets
	config.NumWorkers = 0
	config.Seed = 11
	config.PairsOnly = true
	ds, err := NewDataset("pairs", dir, config)
	require.NoError(t, err)
	assert.Equal(t, numTriplets, ds.NumTriplets())

	for range 3 {
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			indices := tensors.MustCopyFlatData[int32](labels[0])
			distants := tensors.MustCopyFlatData[float32](inputs[2])
			for ii, idx := range indices {
				value := int(math.Round(float64(distants[ii*size*size*channels] * 255)))
				otherIdx, member := value/10, Member(value%10-1)
				assert.NotEqual(t, int(idx), otherIdx, "distant tile of triplet %d taken from itself", idx)
				assert.Contains(t, []Member{Anchor, Neighbor}, member, "distant tile of triplet %d", idx)
			}
		}
		ds.Reset()
	}

	config.NumTriplets = 1
	_, err = NewDataset("single_pair", dir, config)
	require.ErrorContains(t, err, "at least 2 triplets")
}
