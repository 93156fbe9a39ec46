package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kstream/internal/pipeline"
	"kstream/internal/spec"
	"kstream/source/kafka"
)

type tailOptions struct {
	config        string
	broker        string
	overrides     []string
	topics        []string
	driver        string
	start         string
	seekKey       string
	idleExit      time.Duration
	keys          string
	values        string
	format        string
	printCounter  bool
	valueMaxBytes int
}

func newTailCommand() *cobra.Command {
	var o tailOptions

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print records from every partition of the given topics",
		Long: `Print records from every partition of the given topics.
Flags override the values loaded from --config and KSTREAM_KAFKA__* variables.
The command returns when every partition has been idle for --idle-exit, or on
interrupt when --idle-exit is 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kc, err := o.kafkaConfig(cmd)
			if err != nil {
				return err
			}
			r, err := pipeline.Assemble(kc, o.pipelineFile(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seek-key") {
				r.SeekKey(o.seekKey)
			}
			return execute(cmd.Context(), r, cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "Kafka source YAML (optional)")
	f.StringVar(&o.broker, "broker", "", "Bootstrap broker host:port")
	f.StringSliceVar(&o.overrides, "broker-override", nil, "Address for broker id N, given in id order")
	f.StringSliceVarP(&o.topics, "topic", "t", nil, "Topic to read (repeatable)")
	f.StringVar(&o.driver, "driver", "", "Broker driver")
	f.StringVar(&o.start, "start", "", "earliest, latest or an RFC3339 time")
	f.StringVar(&o.seekKey, "seek-key", "", "Start each partition at the first key >= this value, compared after --keys decoding; keys must be sorted")
	f.DurationVar(&o.idleExit, "idle-exit", 10*time.Second, "Stop a leader after this long without records (0 = never)")
	f.StringVar(&o.keys, "keys", "string", "Key decoder")
	f.StringVar(&o.values, "values", "string", "Value decoder")
	f.StringVar(&o.format, "format", "text", "Output format: text or json")
	f.BoolVar(&o.printCounter, "print-counter", false, "Prefix each line with a sequence number")
	f.IntVar(&o.valueMaxBytes, "value-max-bytes", 0, "Truncate printed keys and values (0 = off)")
	cmd.MarkFlagsMutuallyExclusive("start", "seek-key")

	return cmd
}

// kafkaConfig loads --config and applies every flag the user set on top.
func (o tailOptions) kafkaConfig(cmd *cobra.Command) (kafka.Config, error) {
	cfg, err := kafka.LoadConfig(o.config)
	if err != nil {
		return cfg, err
	}
	set := cmd.Flags().Changed
	if set("broker") {
		cfg.Broker = o.broker
	}
	if set("broker-override") {
		cfg.BrokerOverrides = o.overrides
	}
	if set("topic") {
		cfg.Topics = o.topics
	}
	if set("driver") {
		cfg.Driver = o.driver
	}
	if set("idle-exit") || o.config == "" {
		cfg.IdleExit = o.idleExit
	}
	if set("start") {
		pos, err := kafka.ParseStart(o.start)
		if err != nil {
			return cfg, err
		}
		cfg.StartFrom, cfg.Start = o.start, pos
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("tail: %w", err)
	}
	return cfg, nil
}

func (o tailOptions) pipelineFile() spec.File {
	var f spec.File
	f.Decode = spec.DecodeSection{Keys: o.keys, Values: o.values}
	f.Sinks = []string{"stdout"}
	f.SinkConfigs.Stdout = spec.StdoutSection{
		Format:        o.format,
		PrintCounter:  o.printCounter,
		ValueMaxBytes: o.valueMaxBytes,
	}
	return f
}
