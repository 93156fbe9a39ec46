package config

import (
	"kstream/internal/spec"
	"kstream/source/kafka"
)

// LoadKafkaConfig loads the source config named by a pipeline file and
// applies the file's source-level overrides on top.
func LoadKafkaConfig(path string, f spec.File) (kafka.Config, error) {
	cfg, err := kafka.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if f.Source.Driver != "" {
		cfg.Driver = f.Source.Driver
	}
	if f.Source.Start != "" {
		pos, err := kafka.ParseStart(f.Source.Start)
		if err != nil {
			return cfg, err
		}
		cfg.StartFrom, cfg.Start = f.Source.Start, pos
	}
	return cfg, cfg.Validate()
}
