// Package spec is the schema of a pipeline file.
package spec

type StdoutSection struct {
	Format        string `yaml:"format"`
	PrintCounter  bool   `yaml:"print_counter"`
	ValueMaxBytes int    `yaml:"value_max_bytes"`
	BatchSize     int    `yaml:"batch_size"`
	FlushMS       int    `yaml:"flush_ms"`
}

type sinkConfigs struct {
	Stdout StdoutSection `yaml:"stdout"`
}

// DecodeSection names registered decoders for keys and values.
type DecodeSection struct {
	Keys   string `yaml:"keys"`
	Values string `yaml:"values"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`
		Driver string `yaml:"driver"` // overrides the source config's driver when set
		Config string `yaml:"config"` // relative to the pipeline file
		Start  string `yaml:"start"`  // overrides start_from when set
	} `yaml:"source"`

	Decode DecodeSection `yaml:"decode"`

	Sinks       []string    `yaml:"sinks"`
	SinkConfigs sinkConfigs `yaml:"sink_configs"`
}
