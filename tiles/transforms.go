// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
)

// ImgType selects how raw pixel values are scaled to [0, 1].
type ImgType string

const (
	// Landsat values are surface reflectances scaled by 10000.
	Landsat ImgType = "landsat"
	// NAIP and RGB values are 8 bits.
	NAIP ImgType = "naip"
	RGB  ImgType = "rgb"
)

// LandsatMaxValue is the clipping value for Landsat tiles.
const LandsatMaxValue = 10000.0

// ValidImgTypes lists the supported image types.
var ValidImgTypes = []ImgType{Landsat, NAIP, RGB}

// ParseImgType validates name as one of ValidImgTypes.
func ParseImgType(name string) (ImgType, error) {
	imgType := ImgType(name)
	if slices.Index(ValidImgTypes, imgType) == -1 {
		return "", errors.Errorf("image type must be one of %v, got %q", ValidImgTypes, name)
	}
	return imgType, nil
}

// SelectBands returns a tile with only the first bands channels.
// It is a no-op (returning t itself) if t has exactly bands channels.
func (t *Tile) SelectBands(bands int) (*Tile, error) {
	if bands <= 0 || bands > t.Channels {
		return nil, errors.Errorf("cannot select %d bands from %s", bands, t)
	}
	if bands == t.Channels {
		return t, nil
	}
	out := NewTile(t.Height, t.Width, bands)
	for pixel := range t.Height * t.Width {
		copy(out.Data[pixel*bands:(pixel+1)*bands], t.Data[pixel*t.Channels:pixel*t.Channels+bands])
	}
	return out, nil
}

// ClipAndScale scales t in place to [0, 1] according to imgType.
func (t *Tile) ClipAndScale(imgType ImgType) {
	switch imgType {
	case Landsat:
		for ii, v := range t.Data {
			t.Data[ii] = min(max(v, 0), LandsatMaxValue) / LandsatMaxValue
		}
	default:
		for ii, v := range t.Data {
			t.Data[ii] = v / 255
		}
	}
}

// FlipH returns the tile mirrored horizontally (left to right).
func (t *Tile) FlipH() *Tile {
	out := NewTile(t.Height, t.Width, t.Channels)
	for y := range t.Height {
		for x := range t.Width {
			src := (y*t.Width + x) * t.Channels
			dst := (y*t.Width + t.Width - 1 - x) * t.Channels
			copy(out.Data[dst:dst+t.Channels], t.Data[src:src+t.Channels])
		}
	}
	return out
}

// FlipV returns the tile mirrored vertically (top to bottom).
func (t *Tile) FlipV() *Tile {
	out := NewTile(t.Height, t.Width, t.Channels)
	rowLen := t.Width * t.Channels
	for y := range t.Height {
		dst := (t.Height - 1 - y) * rowLen
		copy(out.Data[dst:dst+rowLen], t.Data[y*rowLen:(y+1)*rowLen])
	}
	return out
}

// Rot90 returns the tile rotated counter-clockwise by k×90 degrees.
func (t *Tile) Rot90(k int) *Tile {
	k = ((k % 4) + 4) % 4
	out := t
	for range k {
		out = out.rot90Once()
	}
	if out == t {
		out = t.Clone()
	}
	return out
}

func (t *Tile) rot90Once() *Tile {
	// Counter-clockwise: output[y][x] = input[x][W-1-y], with output dims [W, H].
	out := NewTile(t.Width, t.Height, t.Channels)
	for y := range out.Height {
		for x := range out.Width {
			src := (x*t.Width + t.Width - 1 - y) * t.Channels
			dst := (y*out.Width + x) * t.Channels
			copy(out.Data[dst:dst+t.Channels], t.Data[src:src+t.Channels])
		}
	}
	return out
}

// Augment randomly flips t horizontally and vertically (each with probability 1/2) and rotates it by a
// random multiple of 90 degrees.
func (t *Tile) Augment(rng *rand.Rand) *Tile {
	out := t
	if rng.IntN(2) == 1 {
		out = out.FlipH()
	}
	if rng.IntN(2) == 1 {
		out = out.FlipV()
	}
	if k := rng.IntN(4); k > 0 {
		out = out.Rot90(k)
	}
	return out
}
