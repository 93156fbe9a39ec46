// Package stream is a typed pipeline over source/kafka: decoders, filters and
// stop conditions compose into one per-record handler that an Orchestrator
// drives across every partition of the configured topics.
package stream

import (
	"context"
	"fmt"
	"slices"
	"time"

	"kstream/decode"
	"kstream/source/kafka"
)

// Record is one decoded record.
type Record[K, V any] struct {
	kafka.PartitionRef
	Offset    int64
	Timestamp time.Time
	Key       K
	Value     V
}

func decodeRecord[K, V any](keys decode.Func[K], values decode.Func[V], p kafka.PartitionRef, m kafka.Message) (Record[K, V], error) {
	rec := Record[K, V]{PartitionRef: p, Offset: m.Offset, Timestamp: m.Timestamp}
	if keys == nil {
		return rec, ErrNoKeyDecoder
	}
	if values == nil {
		return rec, ErrNoValueDecoder
	}
	// a nil key stays the zero K
	if m.Key != nil {
		k, err := keys(m.Key)
		if err != nil {
			return rec, fmt.Errorf("stream: key at %s offset %d: %w", p, m.Offset, err)
		}
		rec.Key = k
	}
	v, err := values(m.Value)
	if err != nil {
		return rec, fmt.Errorf("stream: value at %s offset %d: %w", p, m.Offset, err)
	}
	rec.Value = v
	return rec, nil
}

// Stream is a built pipeline. Like Builder it is a value; Filter, While and
// Until return extended copies.
type Stream[K, V any] struct {
	cfg       kafka.Config
	keys      decode.Func[K]
	values    decode.Func[V]
	filters   []func(Record[K, V]) bool
	keepGoing []func(Record[K, V]) bool
	opts      []kafka.Option
}

// Config returns a copy of the configuration captured by Build.
func (s Stream[K, V]) Config() kafka.Config { return s.cfg.Clone() }

func (s Stream[K, V]) filter(f func(Record[K, V]) bool) Stream[K, V] {
	s.filters = append(slices.Clone(s.filters), f)
	return s
}

func (s Stream[K, V]) while(f func(Record[K, V]) bool) Stream[K, V] {
	s.keepGoing = append(slices.Clone(s.keepGoing), f)
	return s
}

// Filter delivers only records accepted by every registered filter.
func (s Stream[K, V]) Filter(pred func(K, V) bool) Stream[K, V] {
	return s.filter(func(r Record[K, V]) bool { return pred(r.Key, r.Value) })
}

func (s Stream[K, V]) FilterKeys(pred func(K) bool) Stream[K, V] {
	return s.filter(func(r Record[K, V]) bool { return pred(r.Key) })
}

func (s Stream[K, V]) FilterValues(pred func(V) bool) Stream[K, V] {
	return s.filter(func(r Record[K, V]) bool { return pred(r.Value) })
}

// FilterRecords is Filter with access to partition, offset and timestamp.
func (s Stream[K, V]) FilterRecords(pred func(Record[K, V]) bool) Stream[K, V] {
	return s.filter(pred)
}

// WhileMatches stops a partition at its first record failing pred. That
// record is dropped: it reaches neither the filters nor the consumer.
func (s Stream[K, V]) WhileMatches(pred func(K, V) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return pred(r.Key, r.Value) })
}

func (s Stream[K, V]) WhileKeysMatch(pred func(K) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return pred(r.Key) })
}

func (s Stream[K, V]) WhileValuesMatch(pred func(V) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return pred(r.Value) })
}

// Until stops a partition at its first record matching pred, dropping it.
func (s Stream[K, V]) Until(pred func(K, V) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return !pred(r.Key, r.Value) })
}

func (s Stream[K, V]) UntilKey(pred func(K) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return !pred(r.Key) })
}

func (s Stream[K, V]) UntilValue(pred func(V) bool) Stream[K, V] {
	return s.while(func(r Record[K, V]) bool { return !pred(r.Value) })
}

// handler compiles decoders, stop conditions, filters and fn into one
// kafka.Handler. The stop check runs before the filters, so the record that
// halts a partition is never delivered.
func (s Stream[K, V]) handler(fn func(Record[K, V])) kafka.Handler {
	keys, values := s.keys, s.values
	keepGoing, filters := slices.Clone(s.keepGoing), slices.Clone(s.filters)
	return kafka.HandlerFunc(func(p kafka.PartitionRef, m kafka.Message) (bool, error) {
		rec, err := decodeRecord(keys, values, p, m)
		if err != nil {
			return false, err
		}
		for _, ok := range keepGoing {
			if !ok(rec) {
				return false, nil
			}
		}
		for _, accept := range filters {
			if !accept(rec) {
				return true, nil
			}
		}
		fn(rec)
		return true, nil
	})
}

/*──────── terminal operations ───────*/

// ForEachRecord runs the pipeline until every partition stops, idles out or
// ctx is cancelled. fn is called from one goroutine per partition leader and
// must be safe for concurrent use. The returned error covers configuration
// and metadata failures; per-leader failures are in the Report.
func (s Stream[K, V]) ForEachRecord(ctx context.Context, fn func(Record[K, V])) (kafka.Report, error) {
	o, err := kafka.NewOrchestrator(s.cfg, kafka.Shared(s.handler(fn)), s.opts...)
	if err != nil {
		return kafka.Report{}, err
	}
	return o.Run(ctx)
}

func (s Stream[K, V]) ForEach(ctx context.Context, fn func(K, V)) (kafka.Report, error) {
	return s.ForEachRecord(ctx, func(r Record[K, V]) { fn(r.Key, r.Value) })
}

func (s Stream[K, V]) ForEachKey(ctx context.Context, fn func(K)) (kafka.Report, error) {
	return s.ForEachRecord(ctx, func(r Record[K, V]) { fn(r.Key) })
}

func (s Stream[K, V]) ForEachValue(ctx context.Context, fn func(V)) (kafka.Report, error) {
	return s.ForEachRecord(ctx, func(r Record[K, V]) { fn(r.Value) })
}
