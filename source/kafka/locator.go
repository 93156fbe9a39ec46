package kafka

import (
	"context"
	"log/slog"
	"slices"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"kstream/internal/logging"
	"kstream/internal/telemetry"
)

// Locator turns a Position into a starting offset for each partition served
// by one leader.
type Locator struct {
	conn   Conn
	cfg    Config
	log    *slog.Logger
	rounds prometheus.Counter
}

func NewLocator(conn Conn, cfg Config, leader Leader) *Locator {
	return &Locator{
		conn:   conn,
		cfg:    cfg.Clone(),
		log:    logging.For("locator").With("leader", leader.String()),
		rounds: telemetry.SearchRounds.WithLabelValues(leader.String()),
	}
}

// Resolve returns a starting offset for every partition in parts. Partitions
// the broker could not answer for are reported as Unresolved. Only transport
// errors and cancellation are returned.
func (l *Locator) Resolve(ctx context.Context, parts []PartitionRef, pos Position) (map[PartitionRef]int64, error) {
	out := make(map[PartitionRef]int64, len(parts))
	for _, p := range parts {
		out[p] = Unresolved
	}
	if len(parts) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	switch pos.Kind {
	case PositionSearch:
		if pos.Probe == nil {
			l.log.Warn("search position without probe, starting from earliest")
			_, err := l.single(out, parts, sarama.OffsetOldest)
			return out, err
		}
		return out, l.search(ctx, out, parts, pos)
	case PositionAt:
		// nothing before the timestamp: the partition starts after it.
		// Partitions answered with an error code stay Unresolved.
		empty, err := l.single(out, parts, pos.timestamp())
		if err != nil {
			return out, err
		}
		if empty, err = l.single(out, empty, sarama.OffsetOldest); err != nil {
			return out, err
		}
		_, err = l.single(out, empty, sarama.OffsetNewest)
		return out, err
	default:
		_, err := l.single(out, parts, pos.timestamp())
		return out, err
	}
}

// single stores the first offset before ts for each partition that has one.
// It returns the partitions the broker answered without error and without
// offsets.
func (l *Locator) single(out map[PartitionRef]int64, parts []PartitionRef, ts int64) ([]PartitionRef, error) {
	offs, err := l.offsetsBefore(parts, ts, 1)
	if err != nil {
		return nil, err
	}
	var empty []PartitionRef
	for _, p := range parts {
		o, ok := offs[p]
		switch {
		case !ok:
		case len(o) > 0:
			out[p] = o[0]
		default:
			empty = append(empty, p)
		}
	}
	return empty, nil
}

// offsetsBefore issues one OffsetsBefore request. Partitions answered with an
// error code are logged and left out of the result.
func (l *Locator) offsetsBefore(parts []PartitionRef, ts int64, maxResults int32) (map[PartitionRef][]int64, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	req := make(map[PartitionRef]int64, len(parts))
	for _, p := range parts {
		req[p] = ts
	}
	resp, err := l.conn.OffsetsBefore(req, maxResults)
	if err != nil {
		return nil, err
	}
	out := make(map[PartitionRef][]int64, len(parts))
	for _, p := range parts {
		r, ok := resp[p]
		if !ok {
			r.Err = sarama.ErrUnknown
		}
		if r.Err != sarama.ErrNoError {
			l.partitionError(p, "offsets", r.Err)
			continue
		}
		out[p] = r.Offsets
	}
	return out, nil
}

func (l *Locator) partitionError(p PartitionRef, op string, code sarama.KError) {
	l.log.Warn(op+" error", "topic", p.Topic, "partition", p.Partition, "err", code)
	telemetry.FetchErrors.WithLabelValues(p.Topic, strconv.Itoa(int(p.Partition)), code.Error()).Inc()
}

// bracket holds an exclusive lower bound and an inclusive upper bound on the
// answer. floor is the first offset that really exists.
type bracket struct {
	start, end int64
	floor      int64
	resolved   int64
}

func (b *bracket) guess() int64 { return b.start + (b.end-b.start+1)/2 }

// bestEffort answers with the last known start when the search cannot go on.
func (b *bracket) bestEffort() int64 { return max(b.start, b.floor) }

func (l *Locator) search(ctx context.Context, out map[PartitionRef]int64, parts []PartitionRef, pos Position) error {
	brackets, err := l.brackets(parts, pos.timestamp())
	if err != nil {
		return err
	}
	pending := make(map[PartitionRef]*bracket, len(brackets))
	for p, b := range brackets {
		if b.end-b.start < 2 {
			out[p] = b.end
			continue
		}
		pending[p] = b
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := make(map[PartitionRef]int64, len(pending))
		for p, b := range pending {
			req[p] = b.guess()
		}
		resp, err := l.conn.Fetch(req, l.cfg.ScanFetchSize)
		if err != nil {
			return err
		}
		l.rounds.Inc()

		for _, p := range sortedPartitions(pending) {
			b := pending[p]
			r, ok := resp[p]
			if !ok {
				r.Err = sarama.ErrUnknown
			}
			if r.Err != sarama.ErrNoError {
				l.partitionError(p, "search fetch", r.Err)
				b.resolved = b.bestEffort()
			} else {
				l.narrow(p, b, req[p], r.Messages, pos.Probe)
			}
			if b.resolved != Unresolved {
				out[p] = b.resolved
				delete(pending, p)
				l.log.Debug("offset found", "topic", p.Topic, "partition", p.Partition, "offset", b.resolved)
			}
		}
	}
	return nil
}

// narrow applies one fetched batch to b. Bracket bounds only ever move to
// offsets of messages actually seen.
func (l *Locator) narrow(p PartitionRef, b *bracket, guess int64, msgs []Message, probe Probe) {
	if len(msgs) == 0 {
		b.resolved = b.end
		return
	}
	changed, reached := false, false
	for _, m := range msgs {
		reached = reached || m.Offset >= guess
		// batch headers can hand back records before the guess
		if m.Offset <= b.start || m.Offset >= b.end {
			continue
		}
		c, err := probe(m)
		if err != nil {
			l.log.Warn("probe failed", "topic", p.Topic, "partition", p.Partition, "offset", m.Offset, "err", err)
			b.resolved = b.bestEffort()
			return
		}
		changed = true
		if c == 0 {
			b.resolved = m.Offset
			return
		}
		if c > 0 {
			b.end = m.Offset
			break
		}
		b.start = m.Offset
	}
	switch {
	case !changed && reached:
		// no record lives in [guess, end)
		b.end = guess
	case !changed:
		l.log.Warn("scan batch ends before the guessed offset, raise scan_fetch_size",
			"topic", p.Topic, "partition", p.Partition, "offset", guess)
		b.resolved = b.bestEffort()
		return
	}
	if b.end-b.start < 2 {
		b.resolved = b.end
	}
}

// brackets queries the initial search range of each partition. Partitions
// the broker reports errors for are left out and stay Unresolved.
func (l *Locator) brackets(parts []PartitionRef, ts int64) (map[PartitionRef]*bracket, error) {
	first, err := l.offsetsBefore(parts, ts, 2)
	if err != nil {
		return nil, err
	}
	out := make(map[PartitionRef]*bracket, len(first))
	var needStart, needEnd []PartitionRef
	for _, p := range parts {
		offs, ok := first[p]
		if !ok {
			continue
		}
		b := &bracket{start: Unresolved, end: Unresolved, resolved: Unresolved}
		switch len(offs) {
		case 0:
			needStart = append(needStart, p)
			needEnd = append(needEnd, p)
		case 1:
			b.start = offs[0]
			needEnd = append(needEnd, p)
		default:
			b.start, b.end = slices.Min(offs), slices.Max(offs)
		}
		out[p] = b
	}

	fill := func(ps []PartitionRef, ts int64, set func(*bracket, int64)) error {
		offs, err := l.offsetsBefore(ps, ts, 1)
		if err != nil {
			return err
		}
		for _, p := range ps {
			if o := offs[p]; len(o) > 0 {
				set(out[p], o[0])
			} else {
				delete(out, p)
			}
		}
		return nil
	}
	if err := fill(needStart, sarama.OffsetOldest, func(b *bracket, o int64) { b.start = o }); err != nil {
		return nil, err
	}
	needEnd = slices.DeleteFunc(needEnd, func(p PartitionRef) bool { return out[p] == nil })
	if err := fill(needEnd, sarama.OffsetNewest, func(b *bracket, o int64) { b.end = o }); err != nil {
		return nil, err
	}

	for _, b := range out {
		if b.end < b.start {
			b.end = b.start
		}
		b.floor = b.start
		b.start--
	}
	return out, nil
}
