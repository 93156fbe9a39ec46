package kafka

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
)

// Unresolved marks a partition whose offset is not known yet.
const Unresolved int64 = -1

// PartitionRef identifies one partition of one topic.
type PartitionRef struct {
	Topic     string
	Partition int32
}

func (p PartitionRef) String() string { return fmt.Sprintf("%s[%d]", p.Topic, p.Partition) }

func comparePartitions(a, b PartitionRef) int {
	if c := cmp.Compare(a.Topic, b.Topic); c != 0 {
		return c
	}
	return cmp.Compare(a.Partition, b.Partition)
}

func sortedPartitions[V any](m map[PartitionRef]V) []PartitionRef {
	out := make([]PartitionRef, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePartitions)
	return out
}

// Message is one record as returned by a fetch.
type Message struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

func (m Message) NextOffset() int64 { return m.Offset + 1 }

// Leader is the broker serving a partition.
type Leader struct {
	ID   int32
	Addr string
}

func (l Leader) String() string { return fmt.Sprintf("%d@%s", l.ID, l.Addr) }

type FetchResult struct {
	Err      sarama.KError
	Messages []Message // ascending offsets
}

type OffsetsResult struct {
	Err     sarama.KError
	Offsets []int64
}

// Conn is a connection to a single broker. Implementations are not safe for
// concurrent use; every Conn has exactly one owner.
type Conn interface {
	// Fetch reads up to maxBytes from each partition starting at its offset.
	Fetch(offsets map[PartitionRef]int64, maxBytes int32) (map[PartitionRef]FetchResult, error)
	// OffsetsBefore returns up to maxResults offsets before each timestamp
	// (milliseconds, or sarama.OffsetOldest / sarama.OffsetNewest).
	OffsetsBefore(timestamps map[PartitionRef]int64, maxResults int32) (map[PartitionRef]OffsetsResult, error)
	// Metadata returns the current leader of every partition of topics.
	Metadata(topics []string) (map[PartitionRef]Leader, error)
	Close() error
}

// Dialer opens a Conn to addr using the connection settings in cfg.
type Dialer func(addr string, cfg Config) (Conn, error)
