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

// Trains the Pokemon one-shot similarity model: a siamese convolutional
// network over sprite image pairs, classified as "same" or "different".
//
// It expects train_image.pkl, train_label.pkl, test_image.pkl and
// test_label.pkl under --data_dir, trains for --num_epoch epochs and prints
// a prediction report for every test pair.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pokeml/oneshot"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var cfg = oneshot.DefaultConfig()

// Every flag is registered under its long and short spelling.
func init() {
	flag.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "Directory holding the four pickle input files.")
	flag.StringVar(&cfg.DataDir, "dd", cfg.DataDir, "Short for --data_dir.")
	flag.StringVar(&cfg.SaveDir, "save_dir", cfg.SaveDir, "Directory to checkpoint the trained model to. Empty disables saving.")
	flag.StringVar(&cfg.SaveDir, "sd", cfg.SaveDir, "Short for --save_dir.")
	flag.IntVar(&cfg.NumEpoch, "num_epoch", cfg.NumEpoch, "Number of training epochs.")
	flag.IntVar(&cfg.NumEpoch, "ne", cfg.NumEpoch, "Short for --num_epoch.")
	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Training and evaluation batch size.")
	flag.IntVar(&cfg.BatchSize, "bs", cfg.BatchSize, "Short for --batch_size.")
	flag.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "Adam learning rate.")
	flag.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Short for --learning_rate.")
	flag.Float64Var(&cfg.PenaltyRate, "penalty_rate", cfg.PenaltyRate, "L2 penalty applied to every dense and convolution kernel.")
	flag.Float64Var(&cfg.PenaltyRate, "pr", cfg.PenaltyRate, "Short for --penalty_rate.")
	flag.Float64Var(&cfg.DropoutRate, "dropout_rate", cfg.DropoutRate, "Dropout rate after the tower's dense layer.")
	flag.Float64Var(&cfg.DropoutRate, "dr", cfg.DropoutRate, "Short for --dropout_rate.")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	fmt.Println(cfg)

	// One backend handle for the whole process: every distributed graph
	// execution goes through it.
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	ds := must.M1(oneshot.CreateDatasets(backend, cfg.DataDir, cfg.BatchSize))
	ctx := oneshot.NewContext(cfg)
	model := &oneshot.SiameseNet{
		Tower:      oneshot.DefaultTowerConfig(),
		NumClasses: ds.NumClasses,
	}

	fmt.Printf("\n\nModel training started!\n")
	fmt.Printf("Parameters: shared between both branches\n\n")
	must.M(oneshot.TrainModel(backend, ctx, cfg, model, ds))
	fmt.Printf("\n\nModel training finished!\n")

	must.M(oneshot.Report(os.Stdout, backend, ctx, model, ds.TestImages))
}
