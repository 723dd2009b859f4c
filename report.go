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
	"fmt"
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// sameThreshold is the cutoff on the absolute difference between the two
// leading scores below which a pair is reported as the same Pokemon. The
// comparison is strict: a difference of exactly sameThreshold reads as
// different.
const sameThreshold = 0.1

const (
	verdictSame      = "Same Pokemon"
	verdictDifferent = "Different Pokemon"
)

// Verdict applies the report's decision rule to the two leading scores of
// one prediction.
func Verdict(score0, score1 float32) string {
	if math.Abs(float64(score0-score1)) < sameThreshold {
		return verdictSame
	}
	return verdictDifferent
}

// Predict runs forward inference over every test example at once and
// returns the [numTest, numClasses] score tensor.
func Predict(backend backends.Backend, ctx *context.Context, model *SiameseNet, testImages *tensors.Tensor) (*tensors.Tensor, error) {
	// Reuse the trained variables; creating a new one here would be a bug.
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *graph.Node) *graph.Node {
		return model.ModelGraph(ctx, nil, []*graph.Node{images})[0]
	})
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = exec.Call(testImages) })
	if err != nil {
		return nil, errors.WithMessage(err, "predicting over the test set")
	}
	return outputs[0], nil
}

// Report prints one same/different line per test example to w, using the
// per-pair scores from Predict. No accuracy is computed here.
func Report(w io.Writer, backend backends.Backend, ctx *context.Context, model *SiameseNet, testImages *tensors.Tensor) error {
	predictions, err := Predict(backend, ctx, model, testImages)
	if err != nil {
		return err
	}
	numClasses := predictions.Shape().Dimensions[1]
	if numClasses < 2 {
		return errors.Errorf("prediction report needs at least 2 scores per example, model produced %d", numClasses)
	}
	scores := tensors.CopyFlatData[float32](predictions)

	fmt.Fprintf(w, "\n\nThe predictions are\n\n")
	fmt.Fprintf(w, "-------------------------------------------------\n\n")
	fmt.Fprintf(w, "Encoding - 1\tEncoding - 2\tInference?\n\n")
	fmt.Fprintf(w, "-------------------------------------------------\n\n\n")
	for i := 0; i < predictions.Shape().Dimensions[0]; i++ {
		score0, score1 := scores[i*numClasses], scores[i*numClasses+1]
		fmt.Fprintf(w, "%g \t %g \t%s\n", score0, score1, Verdict(score0, score1))
	}
	return nil
}
