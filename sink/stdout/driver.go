// Package stdout prints records as text or JSON lines.
package stdout

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"kstream/sink"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

/* ────────── public YAML config ────────── */
type Config struct {
	Format        string    `yaml:"format"`          // text | json
	PrintCounter  bool      `yaml:"print_counter"`   // prepend seq#
	ValueMaxBytes int       `yaml:"value_max_bytes"` // 0 = no truncation
	BatchSize     int       `yaml:"batch_size"`      // flush after N lines, 0 = every line
	FlushMS       int       `yaml:"flush_ms"`        // flush a partial batch after this long, 0 = only on size/close
	Out           io.Writer `yaml:"-"`               // nil = os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu      sync.Mutex // guards everything below
	w       *bufio.Writer
	seq     uint64
	pending int
	timer   *time.Timer // nil → no timer armed
	closed  bool
}

type line struct {
	Seq       uint64    `json:"seq,omitempty"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	Key       any       `json:"key,omitempty"`
	Value     any       `json:"value"`
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	switch c.Format {
	case "":
		c.Format = FormatText
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("stdout-sink: unknown format %q", c.Format)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = c
	d.w = bufio.NewWriter(c.Out)
	return nil
}

func (d *driver) Push(r sink.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return fmt.Errorf("stdout-sink: not configured")
	}
	if d.closed {
		return fmt.Errorf("stdout-sink: closed")
	}

	var seq uint64
	if d.cfg.PrintCounter {
		d.seq++
		seq = d.seq
	}
	b, err := d.format(seq, r)
	if err != nil {
		return err
	}
	if _, err := d.w.Write(b); err != nil {
		return err
	}
	d.pending++

	/* 1. flush on batch size */
	if d.pending >= max(d.cfg.BatchSize, 1) {
		return d.flushLocked()
	}

	/* 2. (re)-arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(time.Duration(d.cfg.FlushMS)*time.Millisecond, d.timerFlush)
	}
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.w == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	return d.flushLocked()
}

/* ────────── internals ────────── */

func (d *driver) format(seq uint64, r sink.Record) ([]byte, error) {
	key, val := d.printable(r.Key), d.printable(r.Value)
	if d.cfg.Format == FormatJSON {
		b, err := json.Marshal(line{
			Seq: seq, Topic: r.Topic, Partition: r.Partition, Offset: r.Offset,
			Timestamp: r.Timestamp, Key: key, Value: val,
		})
		if err != nil {
			return nil, fmt.Errorf("stdout-sink: %s[%d]@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
		return append(b, '\n'), nil
	}

	var buf bytes.Buffer
	if d.cfg.PrintCounter {
		fmt.Fprintf(&buf, "[sink %06d] ", seq)
	}
	fmt.Fprintf(&buf, "%s[%d]@%d %s", r.Topic, r.Partition, r.Offset, r.Timestamp.UTC().Format(time.RFC3339Nano))
	if key != nil {
		fmt.Fprintf(&buf, " key=%v", key)
	}
	fmt.Fprintf(&buf, " value=%v\n", val)
	return buf.Bytes(), nil
}

// printable turns raw payloads into text and applies ValueMaxBytes.
func (d *driver) printable(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case struct{}:
		return nil
	case []byte:
		if d.cfg.Format == FormatJSON && !utf8.Valid(t) {
			return t // base64 in JSON
		}
		return d.truncate(string(t))
	case string:
		return d.truncate(t)
	case json.RawMessage:
		if d.cfg.ValueMaxBytes > 0 && len(t) > d.cfg.ValueMaxBytes {
			return d.truncate(string(t))
		}
		if d.cfg.Format == FormatText {
			return string(t)
		}
		return t
	}
	return v
}

func (d *driver) truncate(s string) string {
	n := d.cfg.ValueMaxBytes
	if n <= 0 || len(s) <= n {
		return s
	}
	// back off to a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timer = nil
	if !d.closed {
		_ = d.flushLocked()
	}
}

// must be called with d.mu *held*
func (d *driver) flushLocked() error {
	d.pending = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return d.w.Flush()
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
