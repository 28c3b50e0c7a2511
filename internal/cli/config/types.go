// Package config provides configuration management for the liheap CLI.
//
// The CLI configuration and the pipeline configuration share one file. The
// CLI keys (directories, state path, warehouse) are decoded here and the
// pipeline keys (datasets, crosswalk, rules, enrichment, aggregation,
// thresholds) are decoded by internal/config from the same koanf tree.
package config

import (
	intconfig "github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/warehouse"
)

// Config holds all CLI configuration options.
type Config struct {
	InputDir     string               `koanf:"input_dir"`
	OutputDir    string               `koanf:"output_dir"`
	StatePath    string               `koanf:"state_path"`
	Environment  string               `koanf:"environment"`
	Verbose      bool                 `koanf:"verbose"`
	LogFormat    string               `koanf:"log_format"`
	OutputFormat string               `koanf:"output"`
	Warehouse    *warehouse.Config    `koanf:"warehouse"`
	Environments map[string]EnvConfig `koanf:"environments"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
	// ConfigFile is the config file that was loaded, if any.
	ConfigFile string `koanf:"-"`
	// Pipeline is nil when no config file was found.
	Pipeline *intconfig.Pipeline `koanf:"-"`
}

// EnvConfig holds environment-specific configuration overrides.
type EnvConfig struct {
	InputDir  string            `koanf:"input_dir"`
	OutputDir string            `koanf:"output_dir"`
	Warehouse *warehouse.Config `koanf:"warehouse"`
}

// Default configuration values.
const (
	DefaultInputDir  = "."
	DefaultOutputDir = "output"
	DefaultStateFile = ".liheap/state.db"
	DefaultLogFormat = "text"
	DefaultOutput    = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultWarehouse = "duckdb"
	// DefaultWarehouseFile is relative to the output directory.
	DefaultWarehouseFile = "liheap.duckdb"
	// EnvPrefix prefixes environment variable overrides.
	EnvPrefix = "LIHEAP_"
)
