package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"kstream/internal/logging"
	"kstream/internal/telemetry"
)

type ReaderState int32

const (
	StateUnresolved ReaderState = iota
	StatePolling
	StateDone
)

func (s ReaderState) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return "ReaderState(" + strconv.Itoa(int(s)) + ")"
	}
}

// LeaderReader polls every partition one broker leads over a single
// connection and hands records to per-partition handlers. It is not safe for
// concurrent use; the orchestrator runs each reader on its own goroutine.
type LeaderReader struct {
	cfg     Config
	leader  Leader
	conn    Conn
	factory HandlerFactory
	locator *Locator
	log     *slog.Logger

	start    Position
	resolved bool
	state    atomic.Int32

	offsets    map[PartitionRef]int64 // tracked next offset, kept after a partition stops
	active     map[PartitionRef]bool
	handlers   map[PartitionRef]Handler
	dispatched map[PartitionRef]prometheus.Counter
	emptyPolls prometheus.Counter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewLeaderReader(cfg Config, leader Leader, conn Conn, factory HandlerFactory, parts []PartitionRef) *LeaderReader {
	cfg = cfg.Clone()
	r := &LeaderReader{
		cfg:        cfg,
		leader:     leader,
		conn:       conn,
		factory:    factory,
		locator:    NewLocator(conn, cfg, leader),
		log:        logging.For("reader").With("leader", leader.String()),
		start:      Earliest(),
		offsets:    make(map[PartitionRef]int64, len(parts)),
		active:     make(map[PartitionRef]bool, len(parts)),
		handlers:   make(map[PartitionRef]Handler, len(parts)),
		dispatched: make(map[PartitionRef]prometheus.Counter, len(parts)),
		emptyPolls: telemetry.EmptyPolls.WithLabelValues(leader.String()),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, p := range parts {
		r.offsets[p] = Unresolved
		r.active[p] = true
	}
	return r
}

func (r *LeaderReader) State() ReaderState { return ReaderState(r.state.Load()) }

// Offsets returns the tracked next offset of every assigned partition,
// including the ones that have stopped.
func (r *LeaderReader) Offsets() map[PartitionRef]int64 { return maps.Clone(r.offsets) }

// Resolve sets the starting offset of every partition from pos. Partitions
// left Unresolved are retried with the same position at each poll round.
func (r *LeaderReader) Resolve(ctx context.Context, pos Position) error {
	r.start = pos
	r.resolved = true
	return r.resolve(ctx, sortedPartitions(r.active))
}

func (r *LeaderReader) resolve(ctx context.Context, parts []PartitionRef) error {
	if len(parts) == 0 {
		return nil
	}
	offs, err := r.locator.Resolve(ctx, parts, r.start)
	for p, o := range offs {
		if r.active[p] && o != Unresolved {
			r.offsets[p] = o
			r.log.Debug("start offset", "topic", p.Topic, "partition", p.Partition, "offset", o, "from", r.start.String())
		}
	}
	return err
}

// Run polls until every partition has stopped, the idle-exit timeout fires or
// ctx is cancelled. Idle exit is a clean return. Cancellation is observed
// between rounds and returns ctx.Err().
func (r *LeaderReader) Run(ctx context.Context) error {
	defer r.state.Store(int32(StateDone))
	if !r.resolved {
		if err := r.Resolve(ctx, Earliest()); err != nil {
			return err
		}
	}
	r.state.Store(int32(StatePolling))
	telemetry.ActiveReaders.Inc()
	defer telemetry.ActiveReaders.Dec()

	bo := r.newBackoff()
	lastDispatch := r.now()
	for len(r.active) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.resolve(ctx, r.unresolved()); err != nil {
			return err
		}
		n, err := r.poll()
		if err != nil {
			return err
		}
		if n > 0 {
			lastDispatch = r.now()
			if bo != nil {
				bo.Reset()
			}
			continue
		}
		r.emptyPolls.Inc()
		if r.cfg.IdleExit > 0 && r.now().Sub(lastDispatch) > r.cfg.IdleExit {
			r.log.Info("idle exit", "idle", r.now().Sub(lastDispatch), "partitions", len(r.active))
			return nil
		}
		if bo != nil {
			r.sleep(ctx, bo.NextBackOff())
		}
	}
	r.log.Debug("all partitions stopped")
	return nil
}

// newBackoff returns nil when either bound is zero: empty polls then loop
// without sleeping.
func (r *LeaderReader) newBackoff() *backoff.ExponentialBackOff {
	if r.cfg.Backoff.Initial <= 0 || r.cfg.Backoff.Max <= 0 {
		return nil
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.Backoff.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.Backoff.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

func (r *LeaderReader) unresolved() []PartitionRef {
	var out []PartitionRef
	for _, p := range sortedPartitions(r.active) {
		if r.offsets[p] == Unresolved {
			out = append(out, p)
		}
	}
	return out
}

// poll issues one fetch for every resolved partition and dispatches what it
// returns. It reports how many records handlers accepted.
func (r *LeaderReader) poll() (int, error) {
	req := make(map[PartitionRef]int64, len(r.active))
	for p := range r.active {
		if o := r.offsets[p]; o != Unresolved {
			req[p] = o
		}
	}
	if len(req) == 0 {
		return 0, nil
	}
	resp, err := r.conn.Fetch(req, r.cfg.FetchSize)
	if err != nil {
		return 0, fmt.Errorf("kafka: fetch from %s: %w", r.leader, err)
	}

	n := 0
	for _, p := range sortedPartitions(req) {
		res, ok := resp[p]
		if !ok {
			res.Err = sarama.ErrUnknown
		}
		if res.Err != sarama.ErrNoError {
			r.log.Warn("fetch error", "topic", p.Topic, "partition", p.Partition, "offset", req[p], "err", res.Err)
			telemetry.FetchErrors.WithLabelValues(p.Topic, strconv.Itoa(int(p.Partition)), res.Err.Error()).Inc()
			continue
		}
		k, err := r.dispatch(p, res.Messages)
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *LeaderReader) dispatch(p PartitionRef, msgs []Message) (int, error) {
	n := 0
	for _, m := range msgs {
		if m.Offset < r.offsets[p] {
			continue
		}
		h, ok := r.handlers[p]
		if !ok {
			if h = r.factory.NewHandler(p); h == nil {
				r.log.Info("no handler, dropping partition", "topic", p.Topic, "partition", p.Partition)
				r.stop(p)
				return n, nil
			}
			r.handlers[p] = h
		}
		more, err := h.Handle(p, m)
		if err != nil {
			return n, fmt.Errorf("kafka: handler for %s at offset %d: %w", p, m.Offset, err)
		}
		if !more {
			r.log.Debug("handler stopped partition", "topic", p.Topic, "partition", p.Partition, "offset", m.Offset)
			r.stop(p)
			return n, nil
		}
		r.offsets[p] = m.NextOffset()
		r.counter(p).Inc()
		n++
	}
	return n, nil
}

func (r *LeaderReader) stop(p PartitionRef) {
	delete(r.active, p)
	delete(r.handlers, p)
}

func (r *LeaderReader) counter(p PartitionRef) prometheus.Counter {
	c, ok := r.dispatched[p]
	if !ok {
		c = telemetry.RecordsDispatched.WithLabelValues(p.Topic, strconv.Itoa(int(p.Partition)))
		r.dispatched[p] = c
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
