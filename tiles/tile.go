// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiles implements the triplet tile dataset used to train tile embeddings.
//
// A tile directory holds, for each triplet index i, the files "{i}anchor.npy", "{i}neighbor.npy" and
// "{i}distant.npy", each an array shaped [height, width, channels]. The Dataset yields batches of the
// three members, after band selection, clipping/scaling and optional augmentation.
package tiles

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

// Tile is an image patch stored in row-major [height, width, channels] layout.
type Tile struct {
	Height, Width, Channels int
	Data                    []float32
}

// NewTile allocates a zero Tile with the given dimensions.
func NewTile(height, width, channels int) *Tile {
	return &Tile{Height: height, Width: width, Channels: channels, Data: make([]float32, height*width*channels)}
}

// At returns the value at row y, column x and channel c.
func (t *Tile) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Set the value at row y, column x and channel c.
func (t *Tile) Set(y, x, c int, v float32) {
	t.Data[(y*t.Width+x)*t.Channels+c] = v
}

// SameShape returns whether both tiles have the same dimensions.
func (t *Tile) SameShape(other *Tile) bool {
	return t.Height == other.Height && t.Width == other.Width && t.Channels == other.Channels
}

// Clone returns a deep copy of the tile.
func (t *Tile) Clone() *Tile {
	return &Tile{Height: t.Height, Width: t.Width, Channels: t.Channels, Data: slices.Clone(t.Data)}
}

// String implements fmt.Stringer.
func (t *Tile) String() string {
	return fmt.Sprintf("Tile[%d, %d, %d]", t.Height, t.Width, t.Channels)
}

// Crop returns a copy of the window of size height×width starting at (y0, x0).
func (t *Tile) Crop(y0, x0, height, width int) (*Tile, error) {
	if y0 < 0 || x0 < 0 || y0+height > t.Height || x0+width > t.Width {
		return nil, errors.Errorf("crop window (%d, %d)+[%d, %d] out of bounds of %s", y0, x0, height, width, t)
	}
	crop := NewTile(height, width, t.Channels)
	rowLen := width * t.Channels
	for y := range height {
		src := ((y0+y)*t.Width + x0) * t.Channels
		copy(crop.Data[y*rowLen:(y+1)*rowLen], t.Data[src:src+rowLen])
	}
	return crop, nil
}

// FromTensor converts a rank-3 [height, width, channels] tensor of any numeric dtype to a Tile.
// A rank-2 tensor is taken as a single channel image.
func FromTensor(t *tensors.Tensor) (*Tile, error) {
	dims := t.Shape().Dimensions
	switch len(dims) {
	case 2:
		dims = []int{dims[0], dims[1], 1}
	case 3:
	default:
		return nil, errors.Errorf("tile must have rank 2 or 3, got shape %s", t.Shape())
	}
	tile := &Tile{Height: dims[0], Width: dims[1], Channels: dims[2]}
	var convErr error
	err := t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			tile.Data = make([]float32, len(data))
			copy(tile.Data, data)
		case []float64:
			tile.Data = convertFlat(data)
		case []uint8:
			tile.Data = convertFlat(data)
		case []uint16:
			tile.Data = convertFlat(data)
		case []int16:
			tile.Data = convertFlat(data)
		case []int32:
			tile.Data = convertFlat(data)
		case []int64:
			tile.Data = convertFlat(data)
		default:
			convErr = errors.Errorf("tile dtype %s not supported", t.Shape().DType)
		}
	})
	if err != nil {
		return nil, err
	}
	if convErr != nil {
		return nil, convErr
	}
	return tile, nil
}

func convertFlat[T float64 | uint8 | uint16 | int16 | int32 | int64](flat []T) []float32 {
	out := make([]float32, len(flat))
	for ii, v := range flat {
		out[ii] = float32(v)
	}
	return out
}

// LoadNpy reads a tile from a .npy file.
func LoadNpy(filePath string) (*Tile, error) {
	t, err := numpy.FromNpyFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading tile")
	}
	defer t.FinalizeAll()
	tile, err := FromTensor(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "tile in %q", filePath)
	}
	return tile, nil
}

// SaveNpy writes the tile to a .npy file, as a float32 [height, width, channels] array.
func (t *Tile) SaveNpy(filePath string) error {
	tensor := tensors.FromFlatDataAndDimensions(t.Data, t.Height, t.Width, t.Channels)
	defer tensor.FinalizeAll()
	return numpy.ToNpyFile(tensor, filePath)
}

// Member of a triplet.
type Member int

const (
	Anchor Member = iota
	Neighbor
	Distant
)

// MemberNames are the file suffixes of each triplet member.
var MemberNames = [3]string{"anchor", "neighbor", "distant"}

// String implements fmt.Stringer.
func (m Member) String() string {
	if m < Anchor || m > Distant {
		return "Unknown"
	}
	return MemberNames[m]
}

// TripletFile returns the path of the member of triplet idx in dir.
func TripletFile(dir string, idx int, member Member) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s.npy", idx, member))
}

// Triplet holds the anchor, neighbor and distant tiles.
type Triplet [3]*Tile

// LoadTriplet reads the three tiles of triplet idx from dir.
func LoadTriplet(dir string, idx int) (triplet Triplet, err error) {
	for member := Anchor; member <= Distant; member++ {
		triplet[member], err = LoadNpy(TripletFile(dir, idx, member))
		if err != nil {
			return Triplet{}, errors.WithMessagef(err, "triplet %d", idx)
		}
	}
	return
}

// Save writes the triplet as triplet idx in dir.
func (tr Triplet) Save(dir string, idx int) error {
	for member := Anchor; member <= Distant; member++ {
		if err := tr[member].SaveNpy(TripletFile(dir, idx, member)); err != nil {
			return errors.WithMessagef(err, "saving %s of triplet %d", member, idx)
		}
	}
	return nil
}
