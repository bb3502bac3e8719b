// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilenet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamMargin is the hyperparameter with the triplet loss margin.
	ParamMargin = "triplet_margin"

	// ParamL2 is the hyperparameter with the weight of the embeddings norm penalty.
	ParamL2 = "triplet_l2"

	// DefaultMargin of the triplet loss.
	DefaultMargin = 50.0

	// DefaultL2 weight of the embeddings norm penalty.
	DefaultL2 = 0.01
)

// TripletLoss returns a loss function (see losses.LossFn) that takes the predictions [za, zn, zd] of ModelGraph
// and ignores the labels. See TripletLossGraph for the formula.
func TripletLoss(margin, l2 float64) func(labels, predictions []*Node) *Node {
	return func(labels, predictions []*Node) *Node {
		if len(predictions) != 3 {
			exceptions.Panicf("triplet loss requires the anchor, neighbor and distant embeddings, got %d predictions",
				len(predictions))
		}
		return TripletLossGraph(predictions[0], predictions[1], predictions[2], margin, l2)
	}
}

// TripletLossFromContext is TripletLoss configured with ParamMargin and ParamL2.
func TripletLossFromContext(ctx *context.Context) func(labels, predictions []*Node) *Node {
	return TripletLoss(
		context.GetParamOr(ctx, ParamMargin, DefaultMargin),
		context.GetParamOr(ctx, ParamL2, DefaultL2))
}

// TripletLossGraph returns the scalar triplet ranking loss of the anchor, neighbor and distant embeddings,
// each shaped [batch_size, z_dim]:
//
//	mean(relu(‖za−zn‖ − ‖za−zd‖ + margin)) + l2 · (‖za‖ + ‖zn‖ + ‖zd‖)
//
// The distances are Euclidean, per example. The penalty norms are Frobenius norms of the whole batch.
func TripletLossGraph(za, zn, zd *Node, margin, l2 float64) *Node {
	za.AssertRank(2)
	if !za.Shape().Equal(zn.Shape()) || !za.Shape().Equal(zd.Shape()) {
		exceptions.Panicf("triplet embeddings must have the same shape, got anchor=%s, neighbor=%s, distant=%s",
			za.Shape(), zn.Shape(), zd.Shape())
	}
	neighborDistance, distantDistance := TripletDistances(za, zn, zd)
	loss := ReduceAllMean(activations.Relu(AddScalar(Sub(neighborDistance, distantDistance), margin)))
	if l2 != 0 {
		penalty := Add(Add(frobeniusNorm(za), frobeniusNorm(zn)), frobeniusNorm(zd))
		loss = Add(loss, MulScalar(penalty, l2))
	}
	return loss
}

// TripletDistances returns the per-example neighbor and distant Euclidean distances, shaped [batch_size].
func TripletDistances(za, zn, zd *Node) (neighborDistance, distantDistance *Node) {
	neighborDistance = safeSqrt(ReduceSum(Square(Sub(za, zn)), 1))
	distantDistance = safeSqrt(ReduceSum(Square(Sub(za, zd)), 1))
	return
}

func frobeniusNorm(x *Node) *Node {
	return safeSqrt(ReduceAllSum(Square(x)))
}

// safeSqrt is Sqrt with a zero gradient where x == 0.
func safeSqrt(x *Node) *Node {
	g := x.Graph()
	zero := ZerosLike(x)
	isZero := Equal(x, zero)
	one := Scalar(g, x.DType(), 1.0)
	root := Sqrt(Where(isZero, one, x))
	return Where(isZero, zero, root)
}
