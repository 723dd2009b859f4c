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
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// summaryAppName is the fixed run identity under which scalar metrics are
// logged. Re-running appends to the same files.
const summaryAppName = "logs"

// numCheckpointsToKeep bounds the checkpoints kept under the save directory.
const numCheckpointsToKeep = 3

// Config holds the run hyperparameters, with the reference defaults.
type Config struct {
	DataDir      string  `json:"data_dir"`
	SaveDir      string  `json:"save_dir"`
	NumEpoch     int     `json:"num_epoch"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	PenaltyRate  float64 `json:"penalty_rate"`
	DropoutRate  float64 `json:"dropout_rate"`
}

// DefaultConfig mirrors the reference defaults. Values are not validated;
// out-of-range settings propagate into the trainer.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "./data",
		SaveDir:      "./save",
		NumEpoch:     64,
		BatchSize:    32,
		LearningRate: 1e-3,
		PenaltyRate:  1e-6,
		DropoutRate:  0.75,
	}
}

// String formats the configuration as an indented JSON block, the way the
// run echoes it at startup.
func (cfg *Config) String() string {
	encoded, err := json.MarshalIndent(cfg, "", " ")
	if err != nil {
		return fmt.Sprintf("%+v", *cfg)
	}
	return string(encoded)
}

// NewContext creates the model context with the hyperparameters every layer
// reads: the L2 penalty applied to all dense/convolution kernels and the
// tower's dropout rate.
func NewContext(cfg *Config) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		regularizers.ParamL2:    cfg.PenaltyRate,
		layers.ParamDropoutRate: cfg.DropoutRate,
	})
	return ctx
}

// crossEntropyOneIndexed is the training loss. Labels arrive carrying the
// +1 shift from dataset construction, so they are mapped back to the
// 0-indexed class space before the sparse cross-entropy.
func crossEntropyOneIndexed(labels, predictions []*Node) *Node {
	classIDs := ConvertDType(AddScalar(labels[0], -1), dtypes.Int32)
	return losses.SparseCategoricalCrossEntropyLogits([]*Node{classIDs}, predictions)
}

// top1AccuracyGraph scores argmax(scores) against the 1-indexed labels.
func top1AccuracyGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	classIDs := ConvertDType(AddScalar(labels[0], -1), dtypes.Int32)
	return metrics.SparseCategoricalAccuracyGraph(ctx, []*Node{classIDs}, predictions)
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", 100*tensors.ToScalar[float32](value))
}

// validationInterval is the step cadence of the per-epoch validation hook.
// The training dataset drops its incomplete tail batch, so one epoch yields
// floor(numTrain/batchSize) steps; never below 1, so the hook stays armed
// even when not a single batch can be filled.
func validationInterval(numTrain, batchSize int) int {
	steps := numTrain / batchSize
	if steps < 1 {
		steps = 1
	}
	return steps
}

// pointsLogger adapts the plots points writer channel to the plots.Plotter
// interface used by AddTrainAndEvalMetrics.
type pointsLogger struct {
	writer chan<- plots.Point
}

func (l *pointsLogger) AddPoint(point plots.Point) { l.writer <- point }
func (l *pointsLogger) DynamicSampleDone(_ bool)   {}

// TrainModel runs gradient-based optimization of the model for
// cfg.NumEpoch epochs, evaluating top-1 accuracy on the validation split
// once per epoch and appending the scalar metrics under ./logs. If
// cfg.SaveDir is non-empty, the final variables and hyperparameters are
// checkpointed there (an existing checkpoint in that directory is loaded
// first, resuming from its weights).
func TrainModel(backend backends.Backend, ctx *context.Context, cfg *Config, model *SiameseNet, ds *Datasets) error {
	var checkpoint *checkpoints.Handler
	if cfg.SaveDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.SaveDir).Keep(numCheckpointsToKeep).Done()
		if err != nil {
			return errors.WithMessagef(err, "setting up checkpoints in %q", cfg.SaveDir)
		}
	}

	meanAccuracyMetric := metrics.NewMeanMetric(
		"Top-1 Accuracy", "#acc", metrics.AccuracyMetricType, top1AccuracyGraph, accuracyPPrint)
	movingAccuracyMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType, top1AccuracyGraph, accuracyPPrint, 0.01)

	trainer := train.NewTrainer(backend, ctx, model.ModelGraph,
		crossEntropyOneIndexed,
		optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	// Scalar metric points are appended under a fixed run name: there is no
	// per-run uniqueness, re-runs accumulate into the same file.
	summaryDir := path.Join(".", summaryAppName)
	if err := os.MkdirAll(summaryDir, 0777); err != nil {
		return errors.Wrapf(err, "creating summary directory %q", summaryDir)
	}
	writer, writerErr := plots.CreatePointsWriter(path.Join(summaryDir, plots.TrainingPlotFileName))
	logger := &pointsLogger{writer: writer}

	// Validation accuracy once per epoch, alongside the training metrics.
	stepsPerEpoch := validationInterval(ds.NumTrain, cfg.BatchSize)
	train.EveryNSteps(loop, stepsPerEpoch, "epoch validation", 100,
		func(loop *train.Loop, trainMetrics []*tensors.Tensor) error {
			return plots.AddTrainAndEvalMetrics(logger, loop, trainMetrics,
				[]train.Dataset{ds.Validation}, nil)
		})

	_, err := loop.RunEpochs(ds.Train, cfg.NumEpoch)
	close(writer)
	if pointsErr := <-writerErr; err == nil && pointsErr != nil {
		err = errors.WithMessage(pointsErr, "writing metric points")
	}
	if err != nil {
		return errors.WithMessagef(err, "training for %d epochs", cfg.NumEpoch)
	}

	// Fold the batch statistics into the inference-time averages before the
	// model is evaluated or saved.
	batchnorm.UpdateAverages(trainer, ds.TrainEval)

	if err := commandline.ReportEval(trainer, ds.TrainEval, ds.Validation); err != nil {
		return errors.WithMessage(err, "final evaluation")
	}
	if checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint to %q", cfg.SaveDir)
		}
	}
	return nil
}
