// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ClusterImagePrefix is the prefix of the per-cluster Landsat image files.
const ClusterImagePrefix = "landsat7_uganda_3yr_cluster_"

// ClusterImageNames returns the paths of the images of clusters 0 to n-1 in dir.
func ClusterImageNames(dir string, n int) []string {
	names := make([]string, n)
	for ii := range n {
		names[ii] = filepath.Join(dir, fmt.Sprintf("%s%d.tif", ClusterImagePrefix, ii))
	}
	return names
}

// LoadImage reads the image in filePath and returns its first bands channels, with the raw pixel values.
//
// ".npy" files are read as [height, width, channels] arrays. Raster images (".tif", ".png", ".jpg") are decoded
// with at most 4 channels: 16-bit images keep their 16-bit values, others are 8-bit.
// If a ".npy" file with the same base name exists next to a raster image, it is used instead,
// since multi-band Landsat rasters usually can't be decoded.
func LoadImage(filePath string, bands int) (*tiles.Tile, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	var tile *tiles.Tile
	var err error
	if ext == ".npy" {
		tile, err = tiles.LoadNpy(filePath)
	} else {
		npyPath := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + ".npy"
		if _, statErr := os.Stat(npyPath); statErr == nil {
			tile, err = tiles.LoadNpy(npyPath)
		} else {
			tile, err = loadRaster(filePath)
		}
	}
	if err != nil {
		return nil, err
	}
	tile, err = tile.SelectBands(bands)
	if err != nil {
		return nil, errors.WithMessagef(err, "image %q", filePath)
	}
	return tile, nil
}

func loadRaster(filePath string) (*tiles.Tile, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	return FromImage(img), nil
}

// FromImage converts img to a Tile.
// Gray images have 1 channel, others have 4 (red, green, blue and alpha).
func FromImage(img image.Image) *tiles.Tile {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	switch typed := img.(type) {
	case *image.Gray:
		tile := tiles.NewTile(height, width, 1)
		for y := range height {
			for x := range width {
				tile.Set(y, x, 0, float32(typed.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return tile
	case *image.Gray16:
		tile := tiles.NewTile(height, width, 1)
		for y := range height {
			for x := range width {
				tile.Set(y, x, 0, float32(typed.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return tile
	case *image.RGBA64, *image.NRGBA64:
		tile := tiles.NewTile(height, width, 4)
		for y := range height {
			for x := range width {
				r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				for c, v := range []uint32{r, g, b, a} {
					tile.Set(y, x, c, float32(v))
				}
			}
		}
		return tile
	}

	// 8 bits per channel, non-premultiplied.
	nrgba := imaging.Clone(img)
	tile := tiles.NewTile(height, width, 4)
	for ii, v := range nrgba.Pix[:height*width*4] {
		tile.Data[ii] = float32(v)
	}
	return tile
}

// Quantiles used by QuantileNormalize.
const (
	LowQuantile  = 0.02
	HighQuantile = 0.98
)

// QuantileNormalize scales each band of t in place, such that its LowQuantile value maps to 0
// and its HighQuantile value maps to 1, clipping values outside of that range.
// Constant bands are set to 0.
func QuantileNormalize(t *tiles.Tile) {
	numPixels := t.Height * t.Width
	if numPixels == 0 {
		return
	}
	values := make([]float64, numPixels)
	for c := range t.Channels {
		for pixel := range numPixels {
			values[pixel] = float64(t.Data[pixel*t.Channels+c])
		}
		slices.Sort(values)
		low := stat.Quantile(LowQuantile, stat.Empirical, values, nil)
		high := stat.Quantile(HighQuantile, stat.Empirical, values, nil)
		scale := high - low
		for pixel := range numPixels {
			idx := pixel*t.Channels + c
			if scale <= 0 {
				t.Data[idx] = 0
				continue
			}
			v := (float64(t.Data[idx]) - low) / scale
			t.Data[idx] = float32(min(max(v, 0), 1))
		}
	}
}
