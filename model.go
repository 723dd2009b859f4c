/*
 *	Copyright 2026 The Pokemon One-Shot Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package oneshot

// Siamese convolutional network: one convolutional tower shared by both
// pair slots, an absolute-difference distance, and a dense similarity head.

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	timage "github.com/gomlx/gomlx/types/tensors/images"
)

// TowerConfig carries the structural constants of the shared convolutional
// tower. They are fixed per model, not command-line hyperparameters.
type TowerConfig struct {
	Conv1Filters, Conv1Kernel int
	Pool1Window, Pool1Stride  int
	Conv2Filters, Conv2Kernel int
	Pool2Window, Pool2Stride  int
	DenseDim                  int
}

// DefaultTowerConfig returns the tower used for the 32x32 Pokemon sprites:
// conv(8, 9x9) -> pool(2/2) -> conv(2, 5x5) -> pool(2/2) -> dense(64).
func DefaultTowerConfig() TowerConfig {
	return TowerConfig{
		Conv1Filters: 8, Conv1Kernel: 9,
		Pool1Window: 2, Pool1Stride: 2,
		Conv2Filters: 2, Conv2Kernel: 5,
		Pool2Window: 2, Pool2Stride: 2,
		DenseDim: 64,
	}
}

// SiameseNet builds the model graph. The zero value is not usable; fill in
// the tower configuration and the number of output classes.
type SiameseNet struct {
	Tower      TowerConfig
	NumClasses int
}

// ModelGraph implements train.ModelFn.
//
// inputs: one tensor shaped [batch_size, num_pairs, channels, height,
// width] (channels-first). Returns one output with the per-class similarity
// scores, shaped [batch_size, NumClasses].
//
// Both pair slots go through a single instantiation of the tower: the pair
// axis is folded into the batch axis before the tower and unfolded after,
// so the tower's parameters are shared by construction and updated once per
// gradient step.
func (m *SiameseNet) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	pairs := inputs[0]
	dims := pairs.Shape().Dimensions
	batchSize, numPairs := dims[0], dims[1]

	folded := Reshape(pairs, batchSize*numPairs, dims[2], dims[3], dims[4])
	embeddings := m.towerGraph(ctx.In("tower"), folded)
	embeddings = Reshape(embeddings, batchSize, numPairs, m.Tower.DenseDim)

	left := Reshape(Slice(embeddings, AxisRange(), AxisElem(0), AxisRange()), batchSize, m.Tower.DenseDim)
	right := Reshape(Slice(embeddings, AxisRange(), AxisElem(1), AxisRange()), batchSize, m.Tower.DenseDim)
	distance := Abs(Sub(left, right))

	scores := Sigmoid(layers.Dense(ctx.In("head"), distance, true, m.NumClasses))
	scores.AssertDims(batchSize, m.NumClasses)
	return []*Node{scores}
}

// towerGraph applies the shared feature extractor to a [n, channels,
// height, width] batch and returns [n, DenseDim] embeddings.
func (m *SiameseNet) towerGraph(ctx *context.Context, images *Node) *Node {
	t := m.Tower
	n := images.Shape().Dimensions[0]

	x := layers.Convolution(ctx.In("conv1"), images).
		ChannelsAxis(timage.ChannelsFirst).
		Filters(t.Conv1Filters).KernelSize(t.Conv1Kernel).Done()
	x = activations.Relu(x)
	x = MeanPool(x).ChannelsAxis(timage.ChannelsFirst).
		Window(t.Pool1Window).Strides(t.Pool1Stride).Done()
	x = batchnorm.New(ctx.In("norm1"), x, 1).Done()

	x = layers.Convolution(ctx.In("conv2"), x).
		ChannelsAxis(timage.ChannelsFirst).
		Filters(t.Conv2Filters).KernelSize(t.Conv2Kernel).Done()
	x = activations.Relu(x)
	x = MeanPool(x).ChannelsAxis(timage.ChannelsFirst).
		Window(t.Pool2Window).Strides(t.Pool2Stride).Done()
	x = batchnorm.New(ctx.In("norm2"), x, 1).Done()

	x = Reshape(x, n, -1)
	x = Sigmoid(layers.Dense(ctx.In("dense"), x, true, t.DenseDim))

	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if dropoutRate > 0 {
		x = layers.DropoutStatic(ctx.In("dropout"), x, dropoutRate)
	}
	return x
}
