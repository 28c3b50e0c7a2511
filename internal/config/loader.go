package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "liheap.yml"

// DecoderConfig returns the mapstructure configuration used to decode
// pipeline configuration. Text unmarshalers cover Severity, AggFunc and
// FillPolicy values.
func DecoderConfig(out any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	}
}

// Unmarshal decodes the koanf tree at path into a Pipeline.
func Unmarshal(k *koanf.Koanf, path string) (*Pipeline, error) {
	var p Pipeline
	if err := k.UnmarshalWithConf(path, &p, koanf.UnmarshalConf{
		Tag:           "koanf",
		DecoderConfig: DecoderConfig(&p),
	}); err != nil {
		return nil, fmt.Errorf("unable to decode pipeline config: %w", err)
	}
	ApplyDefaults(&p)
	return &p, nil
}

// LoadFile loads and validates a Pipeline from a YAML file.
func LoadFile(path string) (*Pipeline, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	p, err := Unmarshal(k, "")
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FindConfigFile finds the config file in the given directory.
// Returns empty string if not found.
func FindConfigFile(dir string) string {
	for _, name := range []string{DefaultConfigFile, ConfigFileNameAlt} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
