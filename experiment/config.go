// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"github.com/gomlx/tile2vec/features"
	"github.com/gomlx/tile2vec/regression"
	"github.com/gomlx/tile2vec/tiles"
	"github.com/pkg/errors"
)

// Config of an experiment run. It is saved as command.json in the experiment directory.
type Config struct {
	ExpName string `json:"exp_name"`

	// Triplet datasets toggles and number of triplets used from each.
	Train      bool `json:"train"`
	LSMSTrain  bool `json:"lsms_train"`
	Test       bool `json:"test"`
	Val        bool `json:"val"`
	LSMSVal    bool `json:"lsms_val"`
	NTrain     int  `json:"ntrain"`
	NLSMSTrain int  `json:"nlsms_train"`
	NTest      int  `json:"ntest"`
	NVal       int  `json:"nval"`
	NLSMSVal   int  `json:"nlsms_val"`

	// Consumption prediction from the features of the small or big cluster images.
	PredictSmall bool `json:"predict_small"`
	PredictBig   bool `json:"predict_big"`
	Quantile     bool `json:"quantile"`
	Trials       int  `json:"trials"`

	// NumClusterImages is the number of LSMS cluster images featurized.
	NumClusterImages int `json:"num_cluster_images"`

	// Model and ZDim are informative: the values used are the context hyperparameters.
	Model   string `json:"model"`
	ZDim    int    `json:"z_dim"`
	ModelFn string `json:"model_fn"`

	// Epochs run are [EpochsStart, EpochsEnd).
	EpochsStart int `json:"epochs_start"`
	EpochsEnd   int `json:"epochs_end"`

	SaveModels bool `json:"save_models"`
	GPU        int  `json:"gpu"`
	Debug      bool `json:"debug"`

	// Plots saves a scatter plot of the predictions of each epoch in the figures directory.
	Plots bool `json:"plots"`

	// Progress displays progress bars.
	Progress bool `json:"progress"`

	// Seed for datasets, patch sampling and folds. If 0 a random seed is used.
	Seed uint64 `json:"seed"`

	// ParamsSet lists the context hyperparameters set explicitly in the command line (-set). They take
	// precedence over the values saved in the checkpoint of a resumed experiment.
	ParamsSet []string `json:"params_set,omitempty"`

	Tiles      tiles.Config      `json:"tiles"`
	Features   features.Config   `json:"features"`
	Regression regression.Params `json:"regression"`
}

// DefaultConfig returns the default configuration of the command line.
func DefaultConfig() *Config {
	return &Config{
		NTrain:           100000,
		NLSMSTrain:       100000,
		NTest:            50000,
		NVal:             50000,
		NLSMSVal:         50000,
		Trials:           10,
		NumClusterImages: 642,
		Model:            "tilenet",
		ZDim:             512,
		EpochsStart:      0,
		EpochsEnd:        50,
		Progress:         true,
		Tiles:            tiles.DefaultConfig(),
		Features:         features.DefaultConfig(),
		Regression:       regression.DefaultParams(),
	}
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.ExpName == "" {
		return errors.New("experiment name must be set")
	}
	if c.EpochsEnd < c.EpochsStart || c.EpochsStart < 0 {
		return errors.Errorf("invalid epochs range [%d, %d)", c.EpochsStart, c.EpochsEnd)
	}
	for _, count := range []struct {
		name    string
		enabled bool
		n       int
	}{
		{"ntrain", c.Train, c.NTrain},
		{"nlsms_train", c.LSMSTrain, c.NLSMSTrain},
		{"ntest", c.Test, c.NTest},
		{"nval", c.Val, c.NVal},
		{"nlsms_val", c.LSMSVal, c.NLSMSVal},
	} {
		if count.enabled && count.n <= 0 {
			return errors.Errorf("-%s must be > 0, got %d", count.name, count.n)
		}
	}
	if c.PredictSmall || c.PredictBig {
		if c.Trials <= 0 {
			return errors.Errorf("-trials must be > 0, got %d", c.Trials)
		}
		if c.NumClusterImages <= 0 {
			return errors.Errorf("number of cluster images must be > 0, got %d", c.NumClusterImages)
		}
		if err := c.Regression.Validate(c.NumClusterImages); err != nil {
			return err
		}
	}
	return nil
}

// needsTrainer returns whether any dataset is enabled.
func (c *Config) needsTrainer() bool {
	return c.Train || c.LSMSTrain || c.Test || c.Val || c.LSMSVal
}
