package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"kstream/internal/logging"
)

var (
	ErrNoPartitions = errors.New("kafka: no partitions for configured topics")
	ErrNoFactory    = errors.New("kafka: nil handler factory")
)

// GroupResult is the outcome of one leader group.
type GroupResult struct {
	Leader     Leader
	Partitions []PartitionRef
	Offsets    map[PartitionRef]int64 // next offset per partition when the group ended
	Err        error
}

type Report struct {
	Groups []GroupResult
}

// Err aggregates group failures. Cancellation is not a failure.
func (r Report) Err() error {
	var merr *multierror.Error
	for _, g := range r.Groups {
		if g.Err == nil || errors.Is(g.Err, context.Canceled) {
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("leader %s: %w", g.Leader, g.Err))
	}
	return merr.ErrorOrNil()
}

// Offsets merges the final offsets of every group.
func (r Report) Offsets() map[PartitionRef]int64 {
	out := make(map[PartitionRef]int64)
	for _, g := range r.Groups {
		maps.Copy(out, g.Offsets)
	}
	return out
}

type Option func(*Orchestrator)

// WithDialer bypasses the driver registry.
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.dial = d }
}

// Orchestrator reads every partition of the configured topics, one
// goroutine per partition leader.
type Orchestrator struct {
	cfg     Config
	factory HandlerFactory
	dial    Dialer
	log     *slog.Logger
}

// NewOrchestrator validates cfg and resolves its driver. No connection is
// opened until Run.
func NewOrchestrator(cfg Config, factory HandlerFactory, opts ...Option) (*Orchestrator, error) {
	if factory == nil {
		return nil, ErrNoFactory
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{cfg: cfg, factory: factory, log: logging.For("orchestrator")}
	for _, opt := range opts {
		opt(o)
	}
	if o.dial == nil {
		d, err := LookupDialer(cfg.Driver)
		if err != nil {
			return nil, err
		}
		o.dial = d
	}
	return o, nil
}

type leaderGroup struct {
	leader Leader
	parts  []PartitionRef
}

// Run waits for every leader group to finish. A failing group is logged and
// reported in the Report; it never stops its siblings. The returned error is
// reserved for metadata failures.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	groups, err := o.groups()
	if err != nil {
		return Report{}, err
	}
	o.log.Info("starting", "topics", o.cfg.Topics, "leaders", len(groups), "start", o.cfg.Start.String())

	results := make([]GroupResult, len(groups))
	var g errgroup.Group
	for i, lg := range groups {
		g.Go(func() error {
			results[i] = o.runGroup(ctx, lg)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Groups: results}
	if err := rep.Err(); err != nil {
		o.log.Error("leader groups failed", "err", err)
	} else {
		o.log.Info("finished", "leaders", len(groups))
	}
	return rep, nil
}

// groups reads partition leadership over a connection that is closed before
// any group starts.
func (o *Orchestrator) groups() ([]leaderGroup, error) {
	conn, err := o.dial(o.cfg.Broker, o.cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: metadata connection: %w", err)
	}
	defer conn.Close()

	leaders, err := conn.Metadata(o.cfg.Topics)
	if err != nil {
		return nil, fmt.Errorf("kafka: metadata: %w", err)
	}
	if len(leaders) == 0 {
		return nil, ErrNoPartitions
	}

	byLeader := make(map[Leader][]PartitionRef)
	for _, p := range sortedPartitions(leaders) {
		l := leaders[p]
		if addr, ok := o.cfg.OverrideFor(l.ID); ok {
			l.Addr = addr
		}
		byLeader[l] = append(byLeader[l], p)
	}
	out := make([]leaderGroup, 0, len(byLeader))
	for l, parts := range byLeader {
		out = append(out, leaderGroup{leader: l, parts: parts})
	}
	slices.SortFunc(out, func(a, b leaderGroup) int {
		if c := cmp.Compare(a.leader.ID, b.leader.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.leader.Addr, b.leader.Addr)
	})
	return out, nil
}

func (o *Orchestrator) runGroup(ctx context.Context, lg leaderGroup) (res GroupResult) {
	res = GroupResult{Leader: lg.leader, Partitions: lg.parts}
	log := o.log.With("leader", lg.leader.String())
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("kafka: leader group panicked: %v", p)
		}
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			log.Error("leader group failed", "err", res.Err)
		}
	}()

	conn, err := o.dial(lg.leader.Addr, o.cfg)
	if err != nil {
		res.Err = fmt.Errorf("kafka: dial leader: %w", err)
		return res
	}
	defer conn.Close()

	r := NewLeaderReader(o.cfg, lg.leader, conn, o.factory, lg.parts)
	defer func() { res.Offsets = r.Offsets() }()

	log.Debug("resolving start offsets", "partitions", len(lg.parts))
	if err := r.Resolve(ctx, o.cfg.Start); err != nil {
		res.Err = err
		return res
	}
	res.Err = r.Run(ctx)
	return res
}
