// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Artifacts saved in the experiment directory.
const (
	CommandFile       = "command.json"
	TrainLossFile     = "train_loss.json"
	TestLossFile      = "test_loss.json"
	ValLossFile       = "val_loss.json"
	LSMSTrainLossFile = "lsms_loss_train.json"
	LSMSValLossFile   = "lsms_loss_val.json"
)

// PredictionsFile is the name of the file with the Predictions of the given kind (Small or Big) at epoch.
func PredictionsFile(kind string, epoch int) string {
	return fmt.Sprintf("y_%s_e%d.json", kind, epoch)
}

// R2File is the name of the file with the r² history saved at epoch.
func R2File(epoch int) string {
	return fmt.Sprintf("r2_%d.json", epoch)
}

// MSEFile is the name of the file with the mse history saved at epoch.
func MSEFile(epoch int) string {
	return fmt.Sprintf("mse_%d.json", epoch)
}

// Predictions of the last regression trial of an epoch, with the mean r² of all trials.
type Predictions struct {
	Y      []float64 `json:"y"`
	YHat   []float64 `json:"y_hat"`
	MeanR2 float64   `json:"mean_r2"`
}

// SaveJSON writes value, indented, to filePath.
func SaveJSON(filePath string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %q", filePath)
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}

// LoadJSON reads filePath into value.
func LoadJSON(filePath string, value any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", filePath)
	}
	if err = json.Unmarshal(data, value); err != nil {
		return errors.Wrapf(err, "failed to parse %q", filePath)
	}
	return nil
}
