// Package pipeline compiles a pipeline file into a Runner and drives it.
package pipeline

import (
	"fmt"
	"io"

	"kstream/decode"
	"kstream/internal/config"
	"kstream/internal/spec"
	"kstream/sink"
	"kstream/sink/stdout"
	"kstream/source/kafka"
)

// Compile loads a pipeline file and its source config. Text sinks write to
// out, or to standard output when out is nil.
func Compile(path string, out io.Writer) (*Runner, error) {
	f, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	kc, err := config.LoadKafkaConfig(confPath, f)
	if err != nil {
		return nil, err
	}
	return Assemble(kc, f, out)
}

// Assemble builds a Runner from a loaded source config and the decode and
// sink sections of a pipeline file.
func Assemble(kc kafka.Config, f spec.File, out io.Writer) (*Runner, error) {
	keys, err := decode.Lookup(f.Decode.Keys)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	values, err := decode.Lookup(f.Decode.Values)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	r := NewRunner(kc, keys, values)

	for _, name := range f.Sinks {
		sDrv, err := sink.NewAdapter(name)
		if err != nil {
			_ = r.Close()
			return nil, err
		}

		switch name {
		case "stdout":
			c := f.SinkConfigs.Stdout
			err = sDrv.Configure(stdout.Config{
				Format:        c.Format,
				PrintCounter:  c.PrintCounter,
				ValueMaxBytes: c.ValueMaxBytes,
				BatchSize:     c.BatchSize,
				FlushMS:       c.FlushMS,
				Out:           out,
			})
		default:
			err = fmt.Errorf("no config block for sink %q", name)
		}
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.AddSink(sDrv)
	}
	return r, nil
}
