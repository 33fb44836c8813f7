// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the harvester configuration, loaded from a JSON (or YAML) file.
//
// DataPath is the only required key. BucketName selects the storage backend:
// when set, artifacts are uploaded to the object store; when empty, they are
// copied under DataPath in the sharded layout. The AWS keys are passed through
// to the S3 client untouched.
type Config struct {
	// DataPath is the directory holding the persistent maps and scratch files.
	DataPath string `json:"data_path" yaml:"data_path"`

	// BatchSize is the number of entries processed per batch. Defaults to 100.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Workers is the parallelism of the download and post-process pools.
	// Sized to overlap network I/O, not to saturate cores. Defaults to 12.
	Workers int `json:"workers" yaml:"workers"`

	// PMCBase is the URL prefix joined with the subpath column of the PMC
	// file list.
	PMCBase string `json:"pmc_base" yaml:"pmc_base"`

	// BucketName enables object-store uploads when non-empty.
	BucketName string `json:"bucket_name" yaml:"bucket_name"`

	// S3 client pass-through.
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"aws_access_key_id" yaml:"aws_access_key_id"`
	SecretAccessKey string `json:"aws_secret_access_key" yaml:"aws_secret_access_key"`
}

// DefaultConfig returns a Config with defaults filled in and no DataPath.
func DefaultConfig() Config {
	return Config{
		BatchSize: 100,
		Workers:   12,
		PMCBase:   "https://ftp.ncbi.nlm.nih.gov/pub/pmc/",
	}
}

// LoadConfig reads and validates a configuration file. The format is chosen
// by extension: .yaml/.yml is parsed as YAML, anything else as JSON.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid JSON config %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataPath == "" {
		return ErrMissingDataPath
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 12
	}
	return nil
}
