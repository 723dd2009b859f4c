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
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pixelScale is the divisor applied to raw pixel values. The reference
// implementation divides by 225 rather than 255; the value is kept as-is.
const pixelScale = 225.0

// parallelBufferSize is the number of batches buffered by the parallelized
// training dataset pipeline.
const parallelBufferSize = 32

// Normalize reorders a raw image array from (samples, pair, height, width,
// channels) to channels-first (samples, pair, channels, height, width) and
// scales every value by pixelScale. Pure function of its input.
func Normalize(images *NDArray) (*tensors.Tensor, error) {
	if len(images.Shape) != 5 {
		return nil, errors.Errorf("image array must have rank 5 (samples, pair, height, width, channels), got shape %v",
			images.Shape)
	}
	numSamples, numPairs := images.Shape[0], images.Shape[1]
	height, width, channels := images.Shape[2], images.Shape[3], images.Shape[4]
	normalized := make([]float32, len(images.Data))
	pos := 0
	for n := 0; n < numSamples; n++ {
		for p := 0; p < numPairs; p++ {
			for c := 0; c < channels; c++ {
				for h := 0; h < height; h++ {
					for w := 0; w < width; w++ {
						normalized[pos] = images.At(n, p, h, w, c) / pixelScale
						pos++
					}
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(normalized, numSamples, numPairs, channels, height, width), nil
}

// DeriveShape reads the sample count, pair-slot count, image size and
// channel count off a raw image array. It trusts the array's metadata, the
// same way the reference run unpacked the numpy shape.
func DeriveShape(images *NDArray) (numSamples, numPairs, imageSize, numChannels int) {
	return images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[4]
}

// shiftLabels returns labels+1 as a [numSamples, 1] tensor: the example
// space is 1-indexed, matching the criterion the model is trained against.
func shiftLabels(labels *NDArray) *tensors.Tensor {
	shifted := make([]float32, len(labels.Data))
	for i, label := range labels.Data {
		shifted[i] = label + 1
	}
	return tensors.FromFlatDataAndDimensions(shifted, len(shifted), 1)
}

// BuildExamples zips image i with label i (shifted by +1) into an in-memory
// dataset. Index alignment happens here, before the dataset abstraction
// takes ownership; batching/shuffling are configured by the caller.
func BuildExamples(backend backends.Backend, name string, images, labels *NDArray) (*data.InMemoryDataset, error) {
	imagesT, err := Normalize(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "building %q dataset", name)
	}
	return data.InMemoryFromData(backend, name, []any{imagesT}, []any{shiftLabels(labels)})
}

// Datasets bundles everything the trainer and reporter consume.
type Datasets struct {
	// Train yields shuffled batches through a parallel pipeline, one pass
	// per epoch. TrainEval and Validation yield the respective full splits
	// sequentially.
	Train, TrainEval, Validation train.Dataset

	// NumClasses is taken from the test images' pair-slot dimension, the
	// same field the reference run read it from.
	NumClasses int

	NumTrain, NumTest                int
	NumPairs, ImageSize, NumChannels int

	// TestImages is the normalized test tensor, kept for the prediction
	// report after training.
	TestImages *tensors.Tensor
}

// CreateDatasets loads the four pickle files under dataDir and wraps them
// into the training and validation datasets.
func CreateDatasets(backend backends.Backend, dataDir string, batchSize int) (*Datasets, error) {
	raw, err := LoadRawArrays(dataDir)
	if err != nil {
		return nil, err
	}
	return NewDatasets(backend, raw, batchSize)
}

// NewDatasets builds the dataset bundle from already-loaded arrays.
func NewDatasets(backend backends.Backend, raw *RawArrays, batchSize int) (*Datasets, error) {
	ds := &Datasets{}
	ds.NumTrain, ds.NumPairs, ds.ImageSize, ds.NumChannels = DeriveShape(raw.TrainImages)
	ds.NumTest = raw.TestImages.Shape[0]
	ds.NumClasses = raw.TestImages.Shape[1]
	klog.V(1).Infof("train: %d samples (%s), test: %d samples (%s)",
		ds.NumTrain, humanize.Bytes(uint64(len(raw.TrainImages.Data)*4)),
		ds.NumTest, humanize.Bytes(uint64(len(raw.TestImages.Data)*4)))

	baseTrain, err := BuildExamples(backend, "train", raw.TrainImages, raw.TrainLabels)
	if err != nil {
		return nil, err
	}
	baseTest, err := BuildExamples(backend, "validation", raw.TestImages, raw.TestLabels)
	if err != nil {
		return nil, err
	}
	ds.Train = data.CustomParallel(baseTrain.Copy().BatchSize(batchSize, true).Shuffle()).
		Buffer(parallelBufferSize).Start()
	ds.TrainEval = baseTrain.BatchSize(batchSize, false)
	ds.Validation = baseTest.BatchSize(batchSize, false)

	ds.TestImages, err = Normalize(raw.TestImages)
	if err != nil {
		return nil, err
	}
	return ds, nil
}
