// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tilenet implements the residual convolutional networks that embed satellite image tiles,
// and the triplet loss used to train them.
//
// Three model sizes are provided, selected by the hyperparameter "model" (see ModelsFns):
//
//   - "tilenet": 5 residual stages with 64, 128, 256, 512 and z_dim channels, 2 blocks each.
//   - "minires": 3 residual stages with 64, 128 and z_dim channels, 1 block each.
//   - "miniminires": 2 residual stages with 32 and z_dim channels, 1 block each.
//
// All of them take images shaped [batch_size, height, width, bands] and return embeddings shaped
// [batch_size, z_dim], after global average pooling.
package tilenet

import (
	"maps"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

const (
	// ParamModel is the hyperparameter with the model name, one of ValidModels.
	ParamModel = "model"

	// ParamZDim is the hyperparameter with the embedding dimension.
	ParamZDim = "z_dim"

	// ParamBatchNormMomentum is the momentum of the batch normalization moving averages.
	ParamBatchNormMomentum = "batchnorm_momentum"

	// Scope under which the embedding network variables are created.
	Scope = "tilenet"
)

// Architecture describes a residual network.
type Architecture struct {
	// StemChannels is the number of channels of the first 3x3 convolution.
	StemChannels int

	// StageChannels lists the channels of each residual stage. The last stage uses z_dim channels
	// and is not included here.
	StageChannels []int

	// BlocksPerStage is the number of residual blocks in each stage.
	BlocksPerStage int
}

// EmbeddingFn builds the embedding of images shaped [batch_size, height, width, bands] into [batch_size, zDim].
type EmbeddingFn func(ctx *context.Context, images *Node, zDim int) *Node

var (
	// ValidModels is the list of models supported.
	ValidModels = []string{"tilenet", "minires", "miniminires"}

	// Architectures of the predefined models.
	Architectures = map[string]Architecture{
		"tilenet":     {StemChannels: 64, StageChannels: []int{64, 128, 256, 512}, BlocksPerStage: 2},
		"minires":     {StemChannels: 64, StageChannels: []int{64, 128}, BlocksPerStage: 1},
		"miniminires": {StemChannels: 32, StageChannels: []int{32}, BlocksPerStage: 1},
	}

	// ModelsFns maps a model name to its embedding function.
	// It holds mappings to predefined models, but one can insert new ones.
	ModelsFns = map[string]EmbeddingFn{
		"tilenet":     TileNet,
		"minires":     MiniRes,
		"miniminires": MiniMiniRes,
	}
)

// SelectModel returns the embedding function for the model name.
func SelectModel(name string) (EmbeddingFn, error) {
	fn, found := ModelsFns[name]
	if !found || fn == nil {
		names := slices.Sorted(maps.Keys(ModelsFns))
		return nil, errors.Errorf("model must be one of %v, got %q", names, name)
	}
	return fn, nil
}

// TileNet is the full size embedding network.
func TileNet(ctx *context.Context, images *Node, zDim int) *Node {
	return Architectures["tilenet"].Build(ctx, images, zDim)
}

// MiniRes is a smaller TileNet.
func MiniRes(ctx *context.Context, images *Node, zDim int) *Node {
	return Architectures["minires"].Build(ctx, images, zDim)
}

// MiniMiniRes is the smallest TileNet, mostly used for tests and quick experiments.
func MiniMiniRes(ctx *context.Context, images *Node, zDim int) *Node {
	return Architectures["miniminires"].Build(ctx, images, zDim)
}

// Build the residual network: a stem convolution, the residual stages (all but the first with stride 2),
// a final stage with zDim channels and global average pooling.
func (arch Architecture) Build(ctx *context.Context, images *Node, zDim int) *Node {
	images.AssertRank(4) // [batch_size, height, width, bands]
	if zDim <= 0 {
		exceptions.Panicf("z_dim must be > 0, got %d", zDim)
	}
	batchSize := images.Shape().Dimensions[0]

	x := layers.Convolution(ctx.In("stem"), images).
		Channels(arch.StemChannels).KernelSize(3).PadSame().UseBias(false).Done()
	x = normalize(ctx.In("stem"), x)
	x = activations.Relu(x)

	stages := append(slices.Clone(arch.StageChannels), zDim)
	for stageIdx, channels := range stages {
		stride := 2
		if stageIdx == 0 {
			stride = 1
		}
		for blockIdx := range arch.BlocksPerStage {
			blockCtx := ctx.Inf("%02d_stage", stageIdx).Inf("%02d_block", blockIdx)
			x = residualBlock(blockCtx, x, channels, stride)
			stride = 1
		}
	}

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	x.AssertDims(batchSize, zDim)
	return x
}

// residualBlock is conv3x3-bn-relu-conv3x3-bn plus a shortcut, followed by relu.
// The shortcut is a strided 1x1 convolution with batch normalization if the shape changes.
func residualBlock(ctx *context.Context, x *Node, channels, stride int) *Node {
	residual := x
	x = layers.Convolution(ctx.In("conv_1"), x).
		Channels(channels).KernelSize(3).PadSame().Strides(stride).UseBias(false).Done()
	x = normalize(ctx.In("conv_1"), x)
	x = activations.Relu(x)
	x = layers.Convolution(ctx.In("conv_2"), x).
		Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
	x = normalize(ctx.In("conv_2"), x)

	inputChannels := residual.Shape().Dimensions[3]
	if stride != 1 || inputChannels != channels {
		residual = layers.Convolution(ctx.In("shortcut"), residual).
			Channels(channels).KernelSize(1).Strides(stride).UseBias(false).Done()
		residual = normalize(ctx.In("shortcut"), residual)
	}
	return activations.Relu(Add(x, residual))
}

func normalize(ctx *context.Context, x *Node) *Node {
	momentum := context.GetParamOr(ctx, ParamBatchNormMomentum, 0.9)
	return batchnorm.New(ctx, x, -1).Momentum(momentum).Epsilon(1e-5).Done()
}

// Embed builds the embedding of images with the model and z_dim configured in the context hyperparameters.
// Variables are created under the Scope sub-scope of ctx.
func Embed(ctx *context.Context, images *Node) *Node {
	modelName := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	zDim := context.GetParamOr(ctx, ParamZDim, 512)
	embedFn, err := SelectModel(modelName)
	if err != nil {
		panic(err)
	}
	return embedFn(ctx.In(Scope), images, zDim)
}

// ModelGraph implements train.ModelFn. It takes the anchor, neighbor and distant batches of images
// as inputs, and returns their embeddings [za, zn, zd].
//
// The three batches are embedded jointly, so batch normalization statistics are shared.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	if len(inputs) < 3 {
		exceptions.Panicf("tilenet model requires anchor, neighbor and distant inputs, got %d inputs", len(inputs))
	}
	batchSize := inputs[0].Shape().Dimensions[0]
	for ii, input := range inputs[:3] {
		if input.Shape().Dimensions[0] != batchSize {
			exceptions.Panicf("input #%d has batch size %d, but anchor has batch size %d",
				ii, input.Shape().Dimensions[0], batchSize)
		}
	}
	embeddings := Embed(ctx, Concatenate(inputs[:3], 0))
	return Split(embeddings, 0, 3)
}
