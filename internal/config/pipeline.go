package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"kstream/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, fills
// defaults and returns the parsed spec with an absolute path to the source
// config (empty if unset).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "kafka"
	}
	if cfg.Source.Kind != "kafka" {
		return cfg, "", fmt.Errorf("unsupported source %q", cfg.Source.Kind)
	}
	if cfg.Decode.Keys == "" {
		cfg.Decode.Keys = "string"
	}
	if cfg.Decode.Values == "" {
		cfg.Decode.Values = "string"
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []string{"stdout"}
	}

	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	if confPath != "" {
		if confPath, err = filepath.Abs(confPath); err != nil {
			return cfg, "", err
		}
	}
	return cfg, confPath, nil
}
