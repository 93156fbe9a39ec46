package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kstream/internal/logging"
	"kstream/internal/pipeline"
	"kstream/internal/telemetry"
	"kstream/source/kafka"
)

var metricsPort int

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "kstream",
		Short: "Read partitioned logs from their leader brokers",
		Long: `kstream reads every partition of a set of topics straight from each
partition's leader broker, starting at the earliest or latest offset, at a
point in time, or at a record found by binary search.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitFromEnv()
			if metricsPort > 0 {
				telemetry.Expose(metricsPort)
			}
		},
	}
	root.PersistentFlags().IntVar(&metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port (0 = off)")

	root.AddCommand(newTailCommand())
	root.AddCommand(newRunCommand())
	return root
}

// execute runs r to completion and folds its outcome into one error.
func execute(ctx context.Context, r *pipeline.Runner, errOut io.Writer) error {
	rep, err := r.Run(ctx)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	for p, off := range rep.Offsets() {
		logging.L().Debug("partition finished", "partition", p.String(), "next_offset", off)
	}
	if err := rep.Err(); err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return fmt.Errorf("%d of %d leader groups failed", failed(rep.Groups), len(rep.Groups))
	}
	return nil
}

func failed(groups []kafka.GroupResult) int {
	n := 0
	for _, g := range groups {
		if g.Err != nil && !errors.Is(g.Err, context.Canceled) {
			n++
		}
	}
	return n
}
