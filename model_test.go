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

import (
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTowerConfig is small enough for 4x4 synthetic sprites.
func testTowerConfig() TowerConfig {
	return TowerConfig{
		Conv1Filters: 2, Conv1Kernel: 3,
		Pool1Window: 2, Pool1Stride: 2,
		Conv2Filters: 2, Conv2Kernel: 1,
		Pool2Window: 1, Pool2Stride: 1,
		DenseDim: 8,
	}
}

func TestModelGraphSharesTowerWeights(t *testing.T) {
	backend := getTestBackend()
	ctx := context.New()
	ctx.RngStateReset()
	model := &SiameseNet{Tower: testTowerConfig(), NumClasses: 2}

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return model.ModelGraph(ctx, nil, []*graph.Node{images})[0]
	})

	// Two samples with very different sprites, but within each sample both
	// pair slots hold the same image. A shared tower maps both slots to the
	// same embedding, so the absolute difference collapses to zero and every
	// sample produces the identical score row. Two independent towers with
	// independent random kernels would not.
	flat := make([]float32, 2*2*1*4*4)
	for i := range flat {
		flat[i] = float32((i/32)*200 + i%16)
	}
	copy(flat[16:32], flat[0:16])  // sample 0, slot 1 := slot 0
	copy(flat[48:64], flat[32:48]) // sample 1, slot 1 := slot 0
	images := tensors.FromFlatDataAndDimensions(flat, 2, 2, 1, 4, 4)

	var scores *tensors.Tensor
	err := exceptions.TryCatch[error](func() { scores = exec.Call(images)[0] })
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, scores.Shape().Dimensions)

	rows := tensors.CopyFlatData[float32](scores)
	assert.InDelta(t, rows[0], rows[2], 1e-5)
	assert.InDelta(t, rows[1], rows[3], 1e-5)

	// Sigmoid output range.
	for _, score := range rows {
		assert.GreaterOrEqual(t, score, float32(0))
		assert.LessOrEqual(t, score, float32(1))
	}

	// Every tower variable lives under the single shared scope; there is no
	// second per-slot copy of the convolution kernels.
	numConvScopes := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), "conv1") || strings.Contains(v.Scope(), "conv2") {
			assert.Contains(t, v.Scope(), "/model/tower/")
			numConvScopes++
		}
	})
	assert.Greater(t, numConvScopes, 0)
}

func TestModelGraphOutputShape(t *testing.T) {
	backend := getTestBackend()
	ctx := context.New()
	ctx.RngStateReset()
	model := &SiameseNet{Tower: testTowerConfig(), NumClasses: 2}

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return model.ModelGraph(ctx, nil, []*graph.Node{images})[0]
	})
	images := tensors.FromFlatDataAndDimensions(make([]float32, 3*2*1*4*4), 3, 2, 1, 4, 4)
	var scores *tensors.Tensor
	err := exceptions.TryCatch[error](func() { scores = exec.Call(images)[0] })
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, scores.Shape().Dimensions)
}
