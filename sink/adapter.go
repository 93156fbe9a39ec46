// Package sink holds the destinations a pipeline writes decoded records to.
package sink

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var ErrUnknownSink = errors.New("sink: unknown sink")

// Record is one decoded record and where it came from.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       any
	Value     any
}

// Adapter is the common behaviour every sink exposes. Push is called from
// one goroutine per partition leader and must be safe for concurrent use.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Push(Record) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]factory{}
)

func Register(name string, f factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownSink, name)
}

// Names lists registered sinks in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
