// Package kafkatest provides an in-memory broker cluster implementing
// kafka.Conn for tests.
package kafkatest

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"kstream/source/kafka"
)

const BootstrapAddr = "boot:9092"

var ErrBrokerDown = errors.New("kafkatest: broker down")

// Epoch is the timestamp of the first record built by Records.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func BrokerAddr(id int32) string { return fmt.Sprintf("broker-%d:9092", id) }

// Sequential numbers records from offset 0 without gaps.
func Sequential(i int) int64 { return int64(i) }

// Records builds n records keyed "k<i>" with values value(i) and timestamps
// one second apart from Epoch.
func Records(n int, offset func(i int) int64, value func(i int) string) []kafka.Message {
	msgs := make([]kafka.Message, 0, n)
	for i := range n {
		msgs = append(msgs, kafka.Message{
			Offset:    offset(i),
			Key:       []byte(fmt.Sprintf("k%d", i)),
			Value:     []byte(value(i)),
			Timestamp: Epoch.Add(time.Duration(i) * time.Second),
		})
	}
	return msgs
}

// Cluster is a set of partition logs served by numbered brokers. It is safe
// for concurrent use by the Conns it hands out.
type Cluster struct {
	mu       sync.Mutex
	logs     map[kafka.PartitionRef][]kafka.Message
	leaders  map[kafka.PartitionRef]int32
	addrs    map[string]int32
	batch    int64
	fetchErr map[kafka.PartitionRef][]sarama.KError
	offErr   map[kafka.PartitionRef][]sarama.KError
	metaErr  error
	events   []string
	fetches  int
}

func NewCluster() *Cluster {
	return &Cluster{
		logs:     map[kafka.PartitionRef][]kafka.Message{},
		leaders:  map[kafka.PartitionRef]int32{},
		addrs:    map[string]int32{BootstrapAddr: 0},
		fetchErr: map[kafka.PartitionRef][]sarama.KError{},
		offErr:   map[kafka.PartitionRef][]sarama.KError{},
	}
}

// AddPartition creates p led by broker leader. msgs must be in ascending
// offset order.
func (c *Cluster) AddPartition(p kafka.PartitionRef, leader int32, msgs []kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaders[p] = leader
	c.addrs[BrokerAddr(leader)] = leader
	c.logs[p] = slices.Clone(msgs)
}

// Append adds records with the given values after the end of p.
func (c *Cluster) Append(p kafka.PartitionRef, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.endOffset(p)
	for i, v := range values {
		c.logs[p] = append(c.logs[p], kafka.Message{Offset: next + int64(i), Value: []byte(v), Timestamp: time.Now()})
	}
}

// Log returns a copy of p's records.
func (c *Cluster) Log(p kafka.PartitionRef) []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.logs[p])
}

// Alias makes broker id answer on addr too.
func (c *Cluster) Alias(addr string, id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[addr] = id
}

// SetBatch makes fetches start at the enclosing multiple of n, the way
// compressed batches hand back records before the requested offset.
func (c *Cluster) SetBatch(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = n
}

// FailFetch queues error codes returned by the next fetches of p.
func (c *Cluster) FailFetch(p kafka.PartitionRef, codes ...sarama.KError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr[p] = append(c.fetchErr[p], codes...)
}

// FailOffsets queues error codes returned by the next offset queries of p.
func (c *Cluster) FailOffsets(p kafka.PartitionRef, codes ...sarama.KError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offErr[p] = append(c.offErr[p], codes...)
}

func (c *Cluster) FailMetadata(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaErr = err
}

// Events lists "dial <addr>" and "close <addr>" in the order they happened.
func (c *Cluster) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// Fetches counts fetch requests across all connections.
func (c *Cluster) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *Cluster) endOffset(p kafka.PartitionRef) int64 {
	msgs := c.logs[p]
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].NextOffset()
}

func (c *Cluster) firstOffset(p kafka.PartitionRef) int64 {
	msgs := c.logs[p]
	if len(msgs) == 0 {
		return 0
	}
	return msgs[0].Offset
}

func popErr(q map[kafka.PartitionRef][]sarama.KError, p kafka.PartitionRef) sarama.KError {
	if errs := q[p]; len(errs) > 0 {
		q[p] = errs[1:]
		return errs[0]
	}
	return sarama.ErrNoError
}

// Dial is a kafka.Dialer. Unknown addresses fail with ErrBrokerDown.
func (c *Cluster) Dial(addr string, _ kafka.Config) (kafka.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "dial "+addr)
	id, ok := c.addrs[addr]
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrBrokerDown)
	}
	return &conn{c: c, addr: addr, id: id}, nil
}

type conn struct {
	c      *Cluster
	addr   string
	id     int32
	closed bool
}

func (f *conn) Fetch(offsets map[kafka.PartitionRef]int64, maxBytes int32) (map[kafka.PartitionRef]kafka.FetchResult, error) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	out := make(map[kafka.PartitionRef]kafka.FetchResult, len(offsets))
	for p, off := range offsets {
		if c.leaders[p] != f.id {
			out[p] = kafka.FetchResult{Err: sarama.ErrNotLeaderForPartition}
			continue
		}
		if code := popErr(c.fetchErr, p); code != sarama.ErrNoError {
			out[p] = kafka.FetchResult{Err: code}
			continue
		}
		if off < c.firstOffset(p) || off > c.endOffset(p) {
			out[p] = kafka.FetchResult{Err: sarama.ErrOffsetOutOfRange}
			continue
		}
		from := off
		if c.batch > 0 {
			from -= off % c.batch
		}
		var msgs []kafka.Message
		size := 0
		for _, m := range c.logs[p] {
			if m.Offset < from {
				continue
			}
			size += len(m.Key) + len(m.Value) + 12
			// the batch holding off is always returned whole, like brokers since 0.10.1
			if size > int(maxBytes) && len(msgs) > 0 && msgs[len(msgs)-1].Offset >= off {
				break
			}
			msgs = append(msgs, m)
		}
		out[p] = kafka.FetchResult{Err: sarama.ErrNoError, Messages: msgs}
	}
	return out, nil
}

// OffsetsBefore treats every record as its own segment: a timestamp resolves
// to the last record at or before it, preceded by the log end when more than
// one result is asked for.
func (f *conn) OffsetsBefore(timestamps map[kafka.PartitionRef]int64, maxResults int32) (map[kafka.PartitionRef]kafka.OffsetsResult, error) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[kafka.PartitionRef]kafka.OffsetsResult, len(timestamps))
	for p, ts := range timestamps {
		if code := popErr(c.offErr, p); code != sarama.ErrNoError {
			out[p] = kafka.OffsetsResult{Err: code}
			continue
		}
		var offs []int64
		switch ts {
		case sarama.OffsetOldest:
			offs = []int64{c.firstOffset(p)}
		case sarama.OffsetNewest:
			offs = []int64{c.endOffset(p)}
		default:
			at := time.UnixMilli(ts)
			last := int64(-1)
			for _, m := range c.logs[p] {
				if !m.Timestamp.After(at) {
					last = m.Offset
				}
			}
			if last >= 0 {
				if maxResults > 1 {
					offs = append(offs, c.endOffset(p))
				}
				offs = append(offs, last)
			}
		}
		if len(offs) > int(maxResults) {
			offs = offs[:maxResults]
		}
		out[p] = kafka.OffsetsResult{Err: sarama.ErrNoError, Offsets: offs}
	}
	return out, nil
}

func (f *conn) Metadata(topics []string) (map[kafka.PartitionRef]kafka.Leader, error) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metaErr != nil {
		return nil, c.metaErr
	}
	out := make(map[kafka.PartitionRef]kafka.Leader)
	for p, id := range c.leaders {
		if slices.Contains(topics, p.Topic) {
			out[p] = kafka.Leader{ID: id, Addr: BrokerAddr(id)}
		}
	}
	return out, nil
}

func (f *conn) Close() error {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.closed {
		return errors.New("kafkatest: connection closed twice")
	}
	f.closed = true
	c.events = append(c.events, "close "+f.addr)
	return nil
}
