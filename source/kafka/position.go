package kafka

import (
	"cmp"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

type PositionKind int

const (
	PositionEarliest PositionKind = iota
	PositionLatest
	PositionAt
	PositionSearch
)

func (k PositionKind) String() string {
	switch k {
	case PositionEarliest:
		return "earliest"
	case PositionLatest:
		return "latest"
	case PositionAt:
		return "at"
	case PositionSearch:
		return "search"
	default:
		return fmt.Sprintf("PositionKind(%d)", int(k))
	}
}

// Probe compares the value projected from m against a search target. It
// returns a negative number when the value sorts before the target, zero when
// equal and a positive number when it sorts after.
type Probe func(m Message) (int, error)

// Position says where a run starts reading each partition.
type Position struct {
	Kind  PositionKind
	Time  time.Time // PositionAt, and the lower bound hint for PositionSearch
	Probe Probe     // PositionSearch only
}

func Earliest() Position { return Position{Kind: PositionEarliest} }

func Latest() Position { return Position{Kind: PositionLatest} }

func At(t time.Time) Position { return Position{Kind: PositionAt, Time: t} }

// SearchFor starts each partition at the first message whose probe result is
// >= 0. A zero from means the search brackets the whole partition.
func SearchFor(from time.Time, probe Probe) Position {
	return Position{Kind: PositionSearch, Time: from, Probe: probe}
}

// Compare builds a Probe from a projection and a target value.
func Compare[C cmp.Ordered](extract func(Message) (C, error), target C) Probe {
	return func(m Message) (int, error) {
		v, err := extract(m)
		if err != nil {
			return 0, err
		}
		return cmp.Compare(v, target), nil
	}
}

// timestamp is the OffsetsBefore argument for p: milliseconds since epoch or
// one of the earliest/latest sentinels.
func (p Position) timestamp() int64 {
	switch p.Kind {
	case PositionLatest:
		return sarama.OffsetNewest
	case PositionAt, PositionSearch:
		if p.Time.IsZero() {
			return sarama.OffsetOldest
		}
		return p.Time.UnixMilli()
	default:
		return sarama.OffsetOldest
	}
}

func (p Position) String() string {
	switch p.Kind {
	case PositionAt:
		return "at " + p.Time.Format(time.RFC3339)
	case PositionSearch:
		if p.Time.IsZero() {
			return "search"
		}
		return "search from " + p.Time.Format(time.RFC3339)
	default:
		return p.Kind.String()
	}
}
