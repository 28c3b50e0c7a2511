package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	intconfig "github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/warehouse"
	"github.com/spf13/pflag"
)

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// pathFlags are resolved against the working directory rather than the
// project root.
var pathFlags = map[string]string{
	"input-dir":  "input_dir",
	"output-dir": "output_dir",
	"state":      "state_path",
}

// configIn returns the config file in dir, or "".
func configIn(dir string) string {
	return intconfig.FindConfigFile(dir)
}

// findProjectRootUpward searches upward from startDir for a liheap config file.
// Returns empty string if not found within maxUpwardSearchLevels.
func findProjectRootUpward(startDir string) string {
	dir := startDir
	for range maxUpwardSearchLevels {
		if configIn(dir) != "" {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// inferProjectRoot determines the project root.
// Priority:
//  1. Directory of an explicit --config file
//  2. Search upward from CWD for liheap.yaml
//  3. Current working directory
func inferProjectRoot(cfgFile string) string {
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			return filepath.Dir(abs)
		}
		return filepath.Dir(cfgFile)
	}
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		return "."
	}
	if root := findProjectRootUpward(cwd); root != "" {
		return root
	}
	return cwd
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
// Returns the path unchanged if it's empty or already absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || path == ":memory:" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// envKey maps LIHEAP_OUTPUT_DIR to output_dir and LIHEAP_WAREHOUSE_HOST to
// warehouse.host.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(key, "warehouse_"); ok {
		return "warehouse." + rest
	}
	return key
}

// flagKey maps a changed flag onto its config key.
func flagKey(f *pflag.Flag) string {
	if key, ok := pathFlags[f.Name]; ok {
		return key
	}
	switch f.Name {
	case "env":
		return "environment"
	case "target":
		return "warehouse.target"
	}
	return strings.ReplaceAll(f.Name, "-", "_")
}

// Load loads configuration from defaults, the config file, environment
// variables and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	projectRoot := inferProjectRoot(cfgFile)

	// Path flags are relative to the working directory.
	flagPaths := make(map[string]string)
	if flags != nil {
		for name, key := range pathFlags {
			if f := flags.Lookup(name); f != nil && f.Changed && f.Value.String() != "" {
				abs, err := filepath.Abs(f.Value.String())
				if err != nil {
					return nil, fmt.Errorf("invalid --%s: %w", name, err)
				}
				flagPaths[key] = abs
			}
		}
	}

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]any{
		"input_dir":  DefaultInputDir,
		"output_dir": DefaultOutputDir,
		"state_path": DefaultStateFile,
		"verbose":    false,
		"log_format": DefaultLogFormat,
		"output":     DefaultOutput,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if cfgFile == "" {
		cfgFile = configIn(projectRoot)
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// 3. Environment variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag:           "koanf",
		DecoderConfig: intconfig.DecoderConfig(&cfg),
	}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ProjectRoot = projectRoot
	cfg.ConfigFile = cfgFile

	if cfg.Environment != "" {
		envCfg, ok := cfg.Environments[cfg.Environment]
		if !ok {
			return nil, fmt.Errorf("environment %q is not defined in %s", cfg.Environment, displayPath(cfgFile))
		}
		if envCfg.InputDir != "" {
			cfg.InputDir = envCfg.InputDir
		}
		if envCfg.OutputDir != "" {
			cfg.OutputDir = envCfg.OutputDir
		}
		cfg.Warehouse = MergeWarehouseConfig(cfg.Warehouse, envCfg.Warehouse)
		if flags != nil {
			if f := flags.Lookup("target"); f != nil && f.Changed && cfg.Warehouse != nil {
				cfg.Warehouse.Target = f.Value.String()
			}
		}
	}

	cfg.InputDir = resolveFlagOr(flagPaths, "input_dir", cfg.InputDir, projectRoot)
	cfg.OutputDir = resolveFlagOr(flagPaths, "output_dir", cfg.OutputDir, projectRoot)
	cfg.StatePath = resolveFlagOr(flagPaths, "state_path", cfg.StatePath, projectRoot)

	if cfg.Warehouse == nil {
		cfg.Warehouse = &warehouse.Config{}
	}
	if cfg.Warehouse.Target == "" {
		cfg.Warehouse.Target = DefaultWarehouse
	}
	if cfg.Warehouse.Target == DefaultWarehouse && cfg.Warehouse.Path == "" {
		cfg.Warehouse.Path = filepath.Join(cfg.OutputDir, DefaultWarehouseFile)
	} else {
		cfg.Warehouse.Path = resolvePathRelativeTo(cfg.Warehouse.Path, projectRoot)
	}
	expandWarehouseEnvVars(cfg.Warehouse)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		p, err := intconfig.Unmarshal(k, "")
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pipeline configuration in %s: %w", displayPath(cfgFile), err)
		}
		cfg.Pipeline = p
	}

	return &cfg, nil
}

func resolveFlagOr(flagPaths map[string]string, key, value, baseDir string) string {
	if p, ok := flagPaths[key]; ok {
		return p
	}
	return resolvePathRelativeTo(value, baseDir)
}

func displayPath(path string) string {
	if path == "" {
		return "configuration"
	}
	return path
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// expandWarehouseEnvVars expands environment variables in connection fields.
func expandWarehouseEnvVars(w *warehouse.Config) {
	w.Password = expandEnvVars(w.Password)
	w.Username = expandEnvVars(w.Username)
	w.Host = expandEnvVars(w.Host)
	w.Database = expandEnvVars(w.Database)
}

// MergeWarehouseConfig merges two warehouse configs, with override taking precedence.
func MergeWarehouseConfig(base, override *warehouse.Config) *warehouse.Config {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}

	merged := *base
	merged.Options = make(map[string]string, len(base.Options)+len(override.Options))
	maps.Copy(merged.Options, base.Options)

	if override.Target != "" {
		merged.Target = override.Target
	}
	if override.Path != "" {
		merged.Path = override.Path
	}
	if override.Host != "" {
		merged.Host = override.Host
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.Database != "" {
		merged.Database = override.Database
	}
	if override.Username != "" {
		merged.Username = override.Username
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	if override.Schema != "" {
		merged.Schema = override.Schema
	}
	maps.Copy(merged.Options, override.Options)

	return &merged
}
