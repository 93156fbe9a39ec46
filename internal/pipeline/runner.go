package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"kstream/decode"
	"kstream/internal/logging"
	"kstream/sink"
	"kstream/source/kafka"
	"kstream/stream"
)

var (
	ErrNoSinks    = errors.New("runner: no sink configured")
	ErrSinkFailed = errors.New("runner: sink failed")
)

// Runner streams decoded records from the configured topics into its sinks.
type Runner struct {
	cfg    kafka.Config
	keys   decode.Func[any]
	values decode.Func[any]
	dial   kafka.Dialer
	seek   *string
	sinks  []sink.Adapter
	log    *slog.Logger
}

func NewRunner(cfg kafka.Config, keys, values decode.Func[any]) *Runner {
	return &Runner{cfg: cfg.Clone(), keys: keys, values: values, log: logging.For("pipeline")}
}

func (r *Runner) AddSink(s sink.Adapter) { r.sinks = append(r.sinks, s) }

// SetDialer bypasses the driver registry.
func (r *Runner) SetDialer(d kafka.Dialer) { r.dial = d }

// SeekKey starts every partition at the first record whose decoded key, as
// text, is not less than target. Keys must be sorted within each partition.
func (r *Runner) SeekKey(target string) { r.seek = &target }

func (r *Runner) stream() (stream.Stream[any, any], error) {
	b := stream.DeserializeValues(stream.DeserializeKeys(stream.New().WithConfig(r.cfg), r.keys), r.values)
	if r.dial != nil {
		b = b.WithDialer(r.dial)
	}
	if r.seek != nil {
		b = stream.ScanKeys(b, keyText, *r.seek)
	}
	return b.Build()
}

func keyText(k any) string {
	switch k := k.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	case nil:
		return ""
	default:
		return fmt.Sprint(k)
	}
}

/*──────── record routing ───────*/
func (r *Runner) pushRecord(rec stream.Record[any, any]) error {
	out := sink.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
		Key:       rec.Key,
		Value:     rec.Value,
	}
	for _, s := range r.sinks {
		if err := s.Push(out); err != nil {
			return fmt.Errorf("%w: %s offset %d: %w", ErrSinkFailed, rec.PartitionRef, rec.Offset, err)
		}
	}
	return nil
}

// Run blocks until every partition is done, idles out or ctx is cancelled.
// A failing sink cancels the whole run and is returned as the error;
// per-leader failures are in the Report.
func (r *Runner) Run(ctx context.Context) (kafka.Report, error) {
	if len(r.sinks) == 0 {
		return kafka.Report{}, ErrNoSinks
	}
	s, err := r.stream()
	if err != nil {
		return kafka.Report{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	rep, err := s.ForEachRecord(ctx, func(rec stream.Record[any, any]) {
		// the rest of an in-flight batch is dropped once a sink has failed
		if ctx.Err() != nil {
			return
		}
		if err := r.pushRecord(rec); err != nil {
			cancel(err)
		}
	})
	if err != nil {
		return rep, err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrSinkFailed) {
		r.log.Error("run aborted", "err", cause)
		return rep, cause
	}
	return rep, nil
}

// Close closes every sink, flushing buffered output.
func (r *Runner) Close() error {
	var merr *multierror.Error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
