// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features extracts per-cluster feature vectors from satellite images, by averaging the
// TileNet embeddings of patches of each image.
//
// Two flavours are provided: SmallFeatures embeds a few random patches of each image, and
// BigFeatures embeds the whole image, split in a grid of non-overlapping patches.
package features

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/tile2vec/tilenet"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config of the feature extraction.
type Config struct {
	// ImgType selects the clip-and-scale normalization, when Quantile is false.
	ImgType tiles.ImgType

	// Bands is the number of image channels fed to the model.
	Bands int

	// PatchSize is the height and width of the patches embedded.
	PatchSize int

	// PatchesPerImage is the number of random patches embedded per image by SmallFeatures.
	PatchesPerImage int

	// Quantile selects per-band quantile normalization instead of clip-and-scale.
	Quantile bool

	// NumWorkers is the number of images loaded and normalized concurrently. Values < 1 load one at a time.
	NumWorkers int

	// ShowProgress displays a progress bar while extracting.
	ShowProgress bool

	// Seed for the random patch locations.
	Seed uint64
}

// DefaultConfig returns the configuration used for the LSMS cluster images.
func DefaultConfig() Config {
	return Config{
		ImgType:         tiles.Landsat,
		Bands:           5,
		PatchSize:       50,
		PatchesPerImage: 10,
		NumWorkers:      4,
	}
}

// Extractor embeds image patches with the TileNet model held in a context.
type Extractor struct {
	config Config
	exec   *context.Exec
	rng    *rand.Rand
}

// NewExtractor compiles the embedding of the model configured in ctx.
//
// The model variables are created if ctx doesn't hold them yet, so an untrained model can also be used.
// Embeddings are computed in inference mode.
func NewExtractor(backend backends.Backend, ctx *context.Context, config Config) (*Extractor, error) {
	if config.Bands <= 0 || config.PatchSize <= 0 || config.PatchesPerImage <= 0 {
		return nil, errors.Errorf("invalid feature extraction config: bands=%d, patch size=%d, patches per image=%d",
			config.Bands, config.PatchSize, config.PatchesPerImage)
	}
	if !config.Quantile {
		if _, err := tiles.ParseImgType(string(config.ImgType)); err != nil {
			return nil, err
		}
	}
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images *Node) *Node {
		return tilenet.Embed(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the embedding executor")
	}
	return &Extractor{
		config: config,
		exec:   exec,
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x5eed)),
	}, nil
}

// Config returns the extraction configuration.
func (e *Extractor) Config() Config { return e.config }

// SmallFeatures returns, for each image, the average embedding of PatchesPerImage random patches.
// The result is shaped [len(names)][z_dim].
func (e *Extractor) SmallFeatures(names []string) ([][]float32, error) {
	return e.extract("small", names, e.randomPatches)
}

// BigFeatures returns, for each image, the average embedding of the grid of non-overlapping patches
// covering the image. The result is shaped [len(names)][z_dim].
func (e *Extractor) BigFeatures(names []string) ([][]float32, error) {
	return e.extract("big", names, e.gridPatches)
}

type patchesFn func(img *tiles.Tile) ([]*tiles.Tile, error)

func (e *Extractor) extract(kind string, names []string, patches patchesFn) ([][]float32, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("no images given to extract %s features", kind)
	}
	var bar *progressbar.ProgressBar
	if e.config.ShowProgress {
		bar = progressbar.Default(int64(len(names)), "Extracting "+kind+" features")
	}
	features := make([][]float32, len(names))
	numWorkers := max(e.config.NumWorkers, 1)
	chunkSize := 2 * numWorkers
	images := make([]*tiles.Tile, chunkSize)
	for start := 0; start < len(names); start += chunkSize {
		chunk := names[start:min(start+chunkSize, len(names))]
		var g errgroup.Group
		g.SetLimit(numWorkers)
		for ii, name := range chunk {
			g.Go(func() error {
				img, err := e.loadImage(name)
				images[ii] = img
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Patches are sampled in order, so results don't depend on the number of workers.
		for ii, name := range chunk {
			imgPatches, err := patches(images[ii])
			if err != nil {
				return nil, errors.WithMessagef(err, "image %q", name)
			}
			features[start+ii], err = e.embedMean(imgPatches)
			if err != nil {
				return nil, errors.WithMessagef(err, "image %q", name)
			}
			images[ii] = nil
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("Extracted %s features of %d images, z_dim=%d", kind, len(names), len(features[0]))
	return features, nil
}

func (e *Extractor) loadImage(name string) (*tiles.Tile, error) {
	img, err := LoadImage(name, e.config.Bands)
	if err != nil {
		return nil, err
	}
	if img.Height < e.config.PatchSize || img.Width < e.config.PatchSize {
		return nil, errors.Errorf("image %q (%s) is smaller than the patch size %d", name, img, e.config.PatchSize)
	}
	if img.Channels != e.config.Bands {
		return nil, errors.Errorf("image %q has %d bands, %d required", name, img.Channels, e.config.Bands)
	}
	if e.config.Quantile {
		QuantileNormalize(img)
	} else {
		img.ClipAndScale(e.config.ImgType)
	}
	return img, nil
}

// randomPatches crops PatchesPerImage patches at uniformly random positions.
func (e *Extractor) randomPatches(img *tiles.Tile) ([]*tiles.Tile, error) {
	size := e.config.PatchSize
	patches := make([]*tiles.Tile, e.config.PatchesPerImage)
	for ii := range patches {
		y0 := e.rng.IntN(img.Height - size + 1)
		x0 := e.rng.IntN(img.Width - size + 1)
		patch, err := img.Crop(y0, x0, size, size)
		if err != nil {
			return nil, err
		}
		patches[ii] = patch
	}
	return patches, nil
}

// gridPatches crops all non-overlapping patches, starting at the top-left corner.
// Borders narrower than the patch size are dropped.
func (e *Extractor) gridPatches(img *tiles.Tile) ([]*tiles.Tile, error) {
	size := e.config.PatchSize
	var patches []*tiles.Tile
	for y0 := 0; y0+size <= img.Height; y0 += size {
		for x0 := 0; x0+size <= img.Width; x0 += size {
			patch, err := img.Crop(y0, x0, size, size)
			if err != nil {
				return nil, err
			}
			patches = append(patches, patch)
		}
	}
	return patches, nil
}

// embedMean embeds the patches in one batch and returns the mean embedding.
func (e *Extractor) embedMean(patches []*tiles.Tile) ([]float32, error) {
	batch, err := tiles.Batch(patches)
	if err != nil {
		return nil, err
	}
	defer batch.FinalizeAll()
	embeddings, err := e.exec.Exec1(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to embed patches")
	}
	defer embeddings.FinalizeAll()
	dims := embeddings.Shape().Dimensions
	numPatches, zDim := dims[0], dims[1]
	mean := make([]float32, zDim)
	err = tensors.ConstFlatData(embeddings, func(flat []float32) {
		for ii, v := range flat {
			mean[ii%zDim] += v
		}
	})
	if err != nil {
		return nil, err
	}
	for ii := range mean {
		mean[ii] /= float32(numPatches)
	}
	return mean, nil
}

// SaveFeatures writes the features, shaped [num_images][z_dim], as a float32 ".npy" array.
func SaveFeatures(filePath string, features [][]float32) error {
	if len(features) == 0 {
		return errors.Errorf("no features to save to %q", filePath)
	}
	zDim := len(features[0])
	flat := make([]float32, 0, len(features)*zDim)
	for ii, row := range features {
		if len(row) != zDim {
			return errors.Errorf("feature row %d has %d values, expected %d", ii, len(row), zDim)
		}
		flat = append(flat, row...)
	}
	err := numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(flat, len(features), zDim), filePath)
	if err != nil {
		return errors.WithMessagef(err, "failed to save features to %q", filePath)
	}
	return nil
}
