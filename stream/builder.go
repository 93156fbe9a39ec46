package stream

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"kstream/decode"
	"kstream/source/kafka"
)

var (
	ErrNoKeyDecoder   = errors.New("stream: no key decoder")
	ErrNoValueDecoder = errors.New("stream: no value decoder")
)

// Builder configures a pipeline. It is a value: every method returns a new
// Builder and leaves the receiver untouched, so one Builder can seed any
// number of independent pipelines.
type Builder[K, V any] struct {
	cfg    kafka.Config
	keys   decode.Func[K]
	values decode.Func[V]
	from   time.Time
	opts   []kafka.Option
}

// New starts from the default configuration, discarding keys and passing
// values through as raw bytes.
func New() Builder[struct{}, []byte] {
	return Builder[struct{}, []byte]{
		cfg:    kafka.DefaultConfig(),
		keys:   decode.Discard,
		values: decode.Bytes,
	}
}

func (b Builder[K, V]) with(f func(c *kafka.Config)) Builder[K, V] {
	b.cfg = b.cfg.Clone()
	f(&b.cfg)
	return b
}

// Config returns a copy of the current configuration.
func (b Builder[K, V]) Config() kafka.Config { return b.cfg.Clone() }

// WithConfig replaces the whole configuration.
func (b Builder[K, V]) WithConfig(cfg kafka.Config) Builder[K, V] {
	b.cfg = cfg.Clone()
	return b
}

func (b Builder[K, V]) WithBroker(addr string) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Broker = addr })
}

// WithBrokerOverrides sets the address of broker id N to addrs[N-1].
func (b Builder[K, V]) WithBrokerOverrides(addrs ...string) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.BrokerOverrides = slices.Clone(addrs) })
}

// WithTopic adds one topic to the set.
func (b Builder[K, V]) WithTopic(topic string) Builder[K, V] {
	return b.with(func(c *kafka.Config) {
		if !slices.Contains(c.Topics, topic) {
			c.Topics = append(c.Topics, topic)
		}
	})
}

// WithTopics replaces the topic set.
func (b Builder[K, V]) WithTopics(topics ...string) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Topics = slices.Clone(topics) })
}

func (b Builder[K, V]) WithClientID(id string) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.ClientID = id })
}

func (b Builder[K, V]) WithDriver(name string) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Driver = name })
}

func (b Builder[K, V]) WithSocketTimeout(d time.Duration) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.SocketTimeout = d })
}

func (b Builder[K, V]) WithReceiveBuffer(bytes int) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.ReceiveBuffer = bytes })
}

// WithScanFetchSize sets the fetch size used while searching for a start
// offset.
func (b Builder[K, V]) WithScanFetchSize(bytes int32) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.ScanFetchSize = bytes })
}

func (b Builder[K, V]) WithFetchSize(bytes int32) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.FetchSize = bytes })
}

// WithBackoff bounds the sleep between empty polls. A zero bound disables
// sleeping.
func (b Builder[K, V]) WithBackoff(initial, ceiling time.Duration) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Backoff = kafka.BackoffCfg{Initial: initial, Max: ceiling} })
}

// WithIdleExit ends a leader group after d without a delivered record. Zero
// means never.
func (b Builder[K, V]) WithIdleExit(d time.Duration) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.IdleExit = d })
}

// WithDialer bypasses the driver registry.
func (b Builder[K, V]) WithDialer(d kafka.Dialer) Builder[K, V] {
	b.opts = append(slices.Clone(b.opts), kafka.WithDialer(d))
	return b
}

func (b Builder[K, V]) StartEarliest() Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Start = kafka.Earliest() })
}

func (b Builder[K, V]) StartLatest() Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Start = kafka.Latest() })
}

func (b Builder[K, V]) StartAt(t time.Time) Builder[K, V] {
	return b.with(func(c *kafka.Config) { c.Start = kafka.At(t) })
}

// ScanFrom sets the timestamp content searches start bracketing from. It
// applies to the current search and to later Scan calls.
func (b Builder[K, V]) ScanFrom(t time.Time) Builder[K, V] {
	b.from = t
	return b.with(func(c *kafka.Config) {
		if c.Start.Kind == kafka.PositionSearch {
			c.Start.Time = t
		}
	})
}

// Build checks that both decoders are set. It opens no connection; the
// configuration itself is validated when the stream runs.
func (b Builder[K, V]) Build() (Stream[K, V], error) {
	if b.keys == nil {
		return Stream[K, V]{}, ErrNoKeyDecoder
	}
	if b.values == nil {
		return Stream[K, V]{}, ErrNoValueDecoder
	}
	return Stream[K, V]{
		cfg:    b.cfg.Clone(),
		keys:   b.keys,
		values: b.values,
		opts:   slices.Clone(b.opts),
	}, nil
}

/*──────── type-changing steps ───────*/

// DeserializeKeys replaces the key decoder.
func DeserializeKeys[K2, K, V any](b Builder[K, V], f decode.Func[K2]) Builder[K2, V] {
	return Builder[K2, V]{cfg: b.cfg.Clone(), keys: f, values: b.values, from: b.from, opts: slices.Clone(b.opts)}
}

// DeserializeValues replaces the value decoder.
func DeserializeValues[V2, K, V any](b Builder[K, V], f decode.Func[V2]) Builder[K, V2] {
	return Builder[K, V2]{cfg: b.cfg.Clone(), keys: b.keys, values: f, from: b.from, opts: slices.Clone(b.opts)}
}

// DeserializeStringKeys decodes keys as UTF-8 text first.
func DeserializeStringKeys[K2, K, V any](b Builder[K, V], f func(string) (K2, error)) Builder[K2, V] {
	return DeserializeKeys(b, decode.Map[string, K2](decode.String, f))
}

func DeserializeStringValues[V2, K, V any](b Builder[K, V], f func(string) (V2, error)) Builder[K, V2] {
	return DeserializeValues(b, decode.Map[string, V2](decode.String, f))
}

func KeysAsStrings[K, V any](b Builder[K, V]) Builder[string, V] {
	return DeserializeKeys[string](b, decode.String)
}

func ValuesAsStrings[K, V any](b Builder[K, V]) Builder[K, string] {
	return DeserializeValues[string](b, decode.String)
}

// TransformKeys converts keys after the current key decoder.
func TransformKeys[K2, K, V any](b Builder[K, V], f func(K) (K2, error)) Builder[K2, V] {
	if b.keys == nil {
		return DeserializeKeys[K2](b, nil)
	}
	return DeserializeKeys(b, decode.Map(b.keys, f))
}

// TransformValues converts values after the current value decoder.
func TransformValues[V2, K, V any](b Builder[K, V], f func(V) (V2, error)) Builder[K, V2] {
	if b.values == nil {
		return DeserializeValues[V2](b, nil)
	}
	return DeserializeValues(b, decode.Map(b.values, f))
}

/*──────── content search ───────*/

// ScanMessages starts every partition at the first record whose projection
// is not less than target, found by binary search. Records are decoded with
// the decoders configured at the time of the call; the Record passed to
// extract carries no partition.
func ScanMessages[C cmp.Ordered, K, V any](b Builder[K, V], extract func(Record[K, V]) C, target C) Builder[K, V] {
	keys, values := b.keys, b.values
	probe := kafka.Compare(func(m kafka.Message) (C, error) {
		rec, err := decodeRecord(keys, values, kafka.PartitionRef{}, m)
		if err != nil {
			var zero C
			return zero, err
		}
		return extract(rec), nil
	}, target)
	from := b.from
	return b.with(func(c *kafka.Config) { c.Start = kafka.SearchFor(from, probe) })
}

func ScanKeys[C cmp.Ordered, K, V any](b Builder[K, V], extract func(K) C, target C) Builder[K, V] {
	return ScanMessages(b, func(r Record[K, V]) C { return extract(r.Key) }, target)
}

func ScanValues[C cmp.Ordered, K, V any](b Builder[K, V], extract func(V) C, target C) Builder[K, V] {
	return ScanMessages(b, func(r Record[K, V]) C { return extract(r.Value) }, target)
}
