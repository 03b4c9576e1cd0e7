package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowsim/flowsim/sim"
	"github.com/flowsim/flowsim/sim/export"
	"github.com/flowsim/flowsim/sim/flow"
)

// AnalysisConfig is the analysis file: run parameters, export destination
// and the line topology.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type AnalysisConfig struct {
	Seed     int64         `yaml:"seed"`
	Run      RunSection    `yaml:"run"`
	Export   ExportSection `yaml:"export"`
	Topology flow.Topology `yaml:"topology"`
}

// RunSection holds the run parameters.
type RunSection struct {
	Duration        float64 `yaml:"duration"`
	Interval        float64 `yaml:"interval"`
	DeadlineSeconds float64 `yaml:"deadline_seconds"`
	CapacityLimit   int     `yaml:"capacity_limit"`
}

// ExportSection holds where and how results are written.
type ExportSection struct {
	Dir       string  `yaml:"dir"`
	BaseName  string  `yaml:"base_name"`
	BatchSize int     `yaml:"batch_size"`
	Step      float64 `yaml:"step"`
}

// LoadAnalysisConfig reads and validates an analysis file.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read analysis file %s: %w", path, err)
	}
	return DecodeAnalysisConfig(bytes.NewReader(data))
}

// DecodeAnalysisConfig parses an analysis file with strict field checking
// (typos must cause errors), fills defaults and validates the topology.
func DecodeAnalysisConfig(r io.Reader) (*AnalysisConfig, error) {
	cfg := AnalysisConfig{Seed: 42}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse analysis file: %w", err)
	}
	if cfg.Run.DeadlineSeconds == 0 {
		cfg.Run.DeadlineSeconds = sim.DefaultDeadline.Seconds()
	}
	if cfg.Run.CapacityLimit == 0 {
		cfg.Run.CapacityLimit = sim.DefaultCapacityLimit
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "."
	}
	if cfg.Export.BaseName == "" {
		cfg.Export.BaseName = "analysis"
	}
	if cfg.Export.BatchSize == 0 {
		cfg.Export.BatchSize = export.DefaultBatchSize
	}
	if cfg.Export.Step == 0 {
		cfg.Export.Step = sim.DefaultSampleStep
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	return &cfg, nil
}

// RunConfig returns the run parameters. They are validated when the run starts.
func (c *AnalysisConfig) RunConfig() sim.RunConfig {
	return sim.NewRunConfig(c.Run.Duration, c.Run.Interval).
		WithDeadline(time.Duration(c.Run.DeadlineSeconds * float64(time.Second))).
		WithCapacityLimit(c.Run.CapacityLimit)
}
