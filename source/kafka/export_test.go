package kafka

import (
	"context"
	"time"
)

// SetClock replaces the reader's time source and backoff sleep.
func SetClock(r *LeaderReader, now func() time.Time, sleep func(context.Context, time.Duration)) {
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
}

func ReaderConfig(r *LeaderReader) Config { return r.cfg }
