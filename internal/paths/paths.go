// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paths holds the directory layout used by tile2vec experiments: where tiles, raster images,
// models, run logs, figures and LSMS survey data live.
//
// The layout is derived from a single home directory, and any entry can be overridden with a YAML file.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvHome is the environment variable used by Default to locate the home directory.
const EnvHome = "TILE2VEC_HOME"

// DefaultHome is used when EnvHome is not set.
const DefaultHome = "~/tile2vec"

// Paths enumerates the directories used by an experiment.
type Paths struct {
	Home string `yaml:"home"`
	Data string `yaml:"data"`

	// Tif holds the exported rasters, and Npy their conversion to numpy arrays.
	Tif string `yaml:"tif"`
	Npy string `yaml:"npy"`

	AllImages   string `yaml:"all_images"`
	TrainImages string `yaml:"train_images"`
	TestImages  string `yaml:"test_images"`

	// LSMSImagesSmall and LSMSImagesBig hold one raster per LSMS cluster.
	LSMSImagesSmall string `yaml:"lsms_images_small"`
	LSMSImagesBig   string `yaml:"lsms_images_big"`

	// Triplet tile directories.
	TrainTiles     string `yaml:"train_tiles"`
	ValTiles       string `yaml:"val_tiles"`
	TestTiles      string `yaml:"test_tiles"`
	LSMSTrainTiles string `yaml:"lsms_train_tiles"`
	LSMSValTiles   string `yaml:"lsms_val_tiles"`

	Figures string `yaml:"figures"`
	Logs    string `yaml:"logs"`
	Models  string `yaml:"models"`

	// LSMSData holds the cluster consumptions and the extracted cluster features.
	LSMSData     string `yaml:"lsms_data"`
	OriginalLSMS string `yaml:"original_lsms"`
}

// New derives the full layout from the home directory. A leading "~" is expanded.
func New(home string) (*Paths, error) {
	home, err := fsutil.ReplaceTildeInDir(home)
	if err != nil {
		return nil, errors.WithMessagef(err, "expanding home directory %q", home)
	}
	data := filepath.Join(home, "data")
	tif := filepath.Join(data, "tif")
	npy := filepath.Join(data, "npy")
	tiles := filepath.Join(data, "tiles")
	lsms := filepath.Join(home, "lsms")
	return &Paths{
		Home:            home,
		Data:            data,
		Tif:             filepath.Join(tif, "uganda_all"),
		Npy:             filepath.Join(npy, "uganda"),
		AllImages:       filepath.Join(npy, "all"),
		TrainImages:     filepath.Join(npy, "train"),
		TestImages:      filepath.Join(npy, "test"),
		LSMSImagesSmall: filepath.Join(tif, "uganda_lsms_small"),
		LSMSImagesBig:   filepath.Join(tif, "uganda_lsms_big"),
		TrainTiles:      filepath.Join(tiles, "train"),
		ValTiles:        filepath.Join(tiles, "val"),
		TestTiles:       filepath.Join(tiles, "test"),
		LSMSTrainTiles:  filepath.Join(tiles, "lsms_train"),
		LSMSValTiles:    filepath.Join(tiles, "lsms_val"),
		Figures:         filepath.Join(home, "figures"),
		Logs:            filepath.Join(home, "runs"),
		Models:          filepath.Join(home, "models"),
		LSMSData:        filepath.Join(lsms, "uganda_lsms"),
		OriginalLSMS:    filepath.Join(lsms, "original_lsms"),
	}, nil
}

// Default returns the layout rooted at $TILE2VEC_HOME, or DefaultHome if it is not set.
func Default() (*Paths, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		home = DefaultHome
	}
	return New(home)
}

// Load builds the layout from home (or Default if home is empty) and then overrides the entries
// set in the YAML file configFile. If configFile is empty, no override is applied.
//
// If the YAML file sets "home", the derived entries are recomputed from it before the other overrides
// are applied.
func Load(configFile, home string) (*Paths, error) {
	var p *Paths
	var err error
	if home == "" {
		p, err = Default()
	} else {
		p, err = New(home)
	}
	if err != nil {
		return nil, err
	}
	if configFile == "" {
		return p, nil
	}
	configFile, err = fsutil.ReplaceTildeInDir(configFile)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read paths configuration %q", configFile)
	}
	var overrides Paths
	if err = yaml.Unmarshal(contents, &overrides); err != nil {
		return nil, errors.Wrapf(err, "failed to parse paths configuration %q", configFile)
	}
	if overrides.Home != "" {
		if p, err = New(overrides.Home); err != nil {
			return nil, err
		}
	}
	if err = p.merge(&overrides); err != nil {
		return nil, errors.WithMessagef(err, "in paths configuration %q", configFile)
	}
	return p, nil
}

// merge copies the non-empty fields of overrides into p, expanding "~".
func (p *Paths) merge(overrides *Paths) error {
	for _, pair := range []struct{ dst, src *string }{
		{&p.Data, &overrides.Data},
		{&p.Tif, &overrides.Tif},
		{&p.Npy, &overrides.Npy},
		{&p.AllImages, &overrides.AllImages},
		{&p.TrainImages, &overrides.TrainImages},
		{&p.TestImages, &overrides.TestImages},
		{&p.LSMSImagesSmall, &overrides.LSMSImagesSmall},
		{&p.LSMSImagesBig, &overrides.LSMSImagesBig},
		{&p.TrainTiles, &overrides.TrainTiles},
		{&p.ValTiles, &overrides.ValTiles},
		{&p.TestTiles, &overrides.TestTiles},
		{&p.LSMSTrainTiles, &overrides.LSMSTrainTiles},
		{&p.LSMSValTiles, &overrides.LSMSValTiles},
		{&p.Figures, &overrides.Figures},
		{&p.Logs, &overrides.Logs},
		{&p.Models, &overrides.Models},
		{&p.LSMSData, &overrides.LSMSData},
		{&p.OriginalLSMS, &overrides.OriginalLSMS},
	} {
		if *pair.src == "" {
			continue
		}
		dir, err := fsutil.ReplaceTildeInDir(*pair.src)
		if err != nil {
			return err
		}
		*pair.dst = dir
	}
	return nil
}

// ExperimentDir is where checkpoints and artifacts of experiment exp are saved.
func (p *Paths) ExperimentDir(exp string) string {
	return filepath.Join(p.Models, exp)
}

// LogDir is where the scalar log of experiment exp is written.
func (p *Paths) LogDir(exp string) string {
	return filepath.Join(p.Logs, exp)
}

// FiguresDir is where plots of experiment exp are saved.
func (p *Paths) FiguresDir(exp string) string {
	return filepath.Join(p.Figures, exp)
}

// FeaturesFile is the file holding the per-cluster features extracted by experiment exp.
func (p *Paths) FeaturesFile(exp string) string {
	return filepath.Join(p.LSMSData, FeaturesFileName(exp))
}

// FeaturesFileName is the base name of the per-cluster features file for experiment exp.
func FeaturesFileName(exp string) string {
	return fmt.Sprintf("cluster_conv_features_%s.npy", exp)
}
