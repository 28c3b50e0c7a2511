package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/nth190/liheap-data-engineering/internal/warehouse"
)

// Log and output formats.
var (
	LogFormats    = []string{"text", "json"}
	OutputFormats = []string{"auto", "text", "markdown", "json"}
)

// ErrNoPipeline is returned when a command needs the pipeline
// configuration but no config file was found.
var ErrNoPipeline = errors.New("no liheap.yaml found")

// Validate checks the CLI settings.
func (c *Config) Validate() error {
	var errs []error
	if c.InputDir == "" {
		errs = append(errs, fmt.Errorf("input_dir is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("output_dir is required"))
	}
	if !slices.Contains(LogFormats, c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format %q is not one of %v", c.LogFormat, LogFormats))
	}
	if !slices.Contains(OutputFormats, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("output %q is not one of %v", c.OutputFormat, OutputFormats))
	}
	if c.Warehouse != nil && !slices.Contains(warehouse.Targets(), c.Warehouse.Target) {
		errs = append(errs, &warehouse.UnknownTargetError{Target: c.Warehouse.Target, Available: warehouse.Targets()})
	}
	return errors.Join(errs...)
}

// RequirePipeline returns the pipeline configuration or ErrNoPipeline.
func (c *Config) RequirePipeline() error {
	if c.Pipeline == nil {
		return fmt.Errorf("%w in %s or its parents\nHint: use --config to point at the pipeline configuration", ErrNoPipeline, c.ProjectRoot)
	}
	return nil
}

// ValidateDirectories checks that the input directory exists.
func (c *Config) ValidateDirectories() error {
	info, err := os.Stat(c.InputDir)
	if err != nil {
		return fmt.Errorf("input directory does not exist: %s\nHint: use --input-dir to specify a different path", c.InputDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("input path is not a directory: %s", c.InputDir)
	}
	return nil
}
