package main

import (
	"github.com/spf13/cobra"

	"kstream/internal/pipeline"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <pipeline.yml>",
		Short: "Run a pipeline file",
		Long: `Run a pipeline file. The file names a Kafka source config, the key and
value decoders, and the sinks records are written to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := pipeline.Compile(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return execute(cmd.Context(), r, cmd.ErrOrStderr())
		},
	}
}
