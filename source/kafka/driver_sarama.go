package kafka

import (
	"fmt"
	"math"
	"net"

	"github.com/IBM/sarama"
)

// SaramaConn talks to one broker through sarama's low level Broker API, which
// maps one to one onto Fetch, ListOffsets v0 and Metadata.
type SaramaConn struct {
	broker  *sarama.Broker
	version sarama.KafkaVersion
	fetchV  int16
}

// DialSarama opens a broker connection and waits for it to be established.
func DialSarama(addr string, cfg Config) (Conn, error) {
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	b := sarama.NewBroker(addr)
	if err := b.Open(sc); err != nil {
		return nil, fmt.Errorf("kafka: open %s: %w", addr, err)
	}
	if ok, err := b.Connected(); !ok {
		_ = b.Close()
		if err == nil {
			err = sarama.ErrNotConnected
		}
		return nil, fmt.Errorf("kafka: connect %s: %w", addr, err)
	}
	return &SaramaConn{broker: b, version: sc.Version, fetchV: fetchVersion(sc.Version)}, nil
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.SocketTimeout > 0 {
		sc.Net.DialTimeout = cfg.SocketTimeout
		sc.Net.ReadTimeout = cfg.SocketTimeout
		sc.Net.WriteTimeout = cfg.SocketTimeout
	}
	if cfg.ReceiveBuffer > 0 {
		// the proxy dialer is the only hook sarama offers over the raw socket
		sc.Net.Proxy.Enable = true
		sc.Net.Proxy.Dialer = &bufferDialer{
			dialer: net.Dialer{Timeout: sc.Net.DialTimeout, KeepAlive: sc.Net.KeepAlive},
			size:   cfg.ReceiveBuffer,
		}
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: sarama config: %w", err)
	}
	return sc, nil
}

type bufferDialer struct {
	dialer net.Dialer
	size   int
}

func (d *bufferDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetReadBuffer(d.size); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func fetchVersion(v sarama.KafkaVersion) int16 {
	switch {
	case v.IsAtLeast(sarama.V0_11_0_0):
		return 4
	case v.IsAtLeast(sarama.V0_10_1_0):
		return 3
	case v.IsAtLeast(sarama.V0_10_0_0):
		return 2
	default:
		return 0
	}
}

// responseLimit is the whole-response byte limit for n partitions of
// maxBytes each, clamped to the int32 range of the wire field.
func responseLimit(maxBytes int32, n int) int32 {
	return int32(min(int64(maxBytes)*int64(max(1, n)), math.MaxInt32))
}

func (c *SaramaConn) Fetch(offsets map[PartitionRef]int64, maxBytes int32) (map[PartitionRef]FetchResult, error) {
	req := &sarama.FetchRequest{Version: c.fetchV, MinBytes: 1}
	if c.fetchV >= 3 {
		req.MaxBytes = responseLimit(maxBytes, len(offsets))
	}
	if c.fetchV >= 4 {
		req.Isolation = sarama.ReadUncommitted
	}
	for p, off := range offsets {
		req.AddBlock(p.Topic, p.Partition, off, maxBytes, -1)
	}
	resp, err := c.broker.Fetch(req)
	if err != nil {
		return nil, err
	}
	out := make(map[PartitionRef]FetchResult, len(offsets))
	for p := range offsets {
		block := resp.GetBlock(p.Topic, p.Partition)
		if block == nil {
			out[p] = FetchResult{Err: sarama.ErrUnknown}
			continue
		}
		if block.Err != sarama.ErrNoError {
			out[p] = FetchResult{Err: block.Err}
			continue
		}
		out[p] = FetchResult{Err: sarama.ErrNoError, Messages: blockMessages(block)}
	}
	return out, nil
}

// blockMessages flattens legacy message sets (with compressed wrappers) and
// record batches into absolute-offset messages. Control batches are skipped.
func blockMessages(block *sarama.FetchResponseBlock) []Message {
	var out []Message
	for _, records := range block.RecordsSet {
		if records == nil {
			continue
		}
		if records.MsgSet != nil {
			out = appendMessageSet(out, records.MsgSet)
		}
		if rb := records.RecordBatch; rb != nil && !rb.Control {
			for _, r := range rb.Records {
				if r == nil {
					continue
				}
				out = append(out, Message{
					Offset:    rb.FirstOffset + r.OffsetDelta,
					Key:       r.Key,
					Value:     r.Value,
					Timestamp: rb.FirstTimestamp.Add(r.TimestampDelta),
				})
			}
		}
	}
	return out
}

func appendMessageSet(out []Message, set *sarama.MessageSet) []Message {
	for _, block := range set.Messages {
		if block == nil || block.Msg == nil {
			continue
		}
		inner := block.Messages()
		// magic v1 wrappers carry inner offsets relative to the last one
		var base int64
		if block.Msg.Set != nil && block.Msg.Version >= 1 && len(inner) > 0 {
			base = block.Offset - inner[len(inner)-1].Offset
		}
		for _, m := range inner {
			if m == nil || m.Msg == nil {
				continue
			}
			ts := m.Msg.Timestamp
			if block.Msg.LogAppendTime {
				ts = block.Msg.Timestamp
			}
			out = append(out, Message{
				Offset:    m.Offset + base,
				Key:       m.Msg.Key,
				Value:     m.Msg.Value,
				Timestamp: ts,
			})
		}
	}
	return out
}

func (c *SaramaConn) OffsetsBefore(timestamps map[PartitionRef]int64, maxResults int32) (map[PartitionRef]OffsetsResult, error) {
	// v0 is the only version that honours maxResults
	req := &sarama.OffsetRequest{Version: 0}
	for p, ts := range timestamps {
		req.AddBlock(p.Topic, p.Partition, ts, maxResults)
	}
	resp, err := c.broker.GetAvailableOffsets(req)
	if err != nil {
		return nil, err
	}
	out := make(map[PartitionRef]OffsetsResult, len(timestamps))
	for p := range timestamps {
		block := resp.GetBlock(p.Topic, p.Partition)
		switch {
		case block == nil:
			out[p] = OffsetsResult{Err: sarama.ErrUnknown}
		case block.Err != sarama.ErrNoError:
			out[p] = OffsetsResult{Err: block.Err}
		default:
			out[p] = OffsetsResult{Err: sarama.ErrNoError, Offsets: block.Offsets}
		}
	}
	return out, nil
}

func (c *SaramaConn) Metadata(topics []string) (map[PartitionRef]Leader, error) {
	resp, err := c.broker.GetMetadata(sarama.NewMetadataRequest(c.version, topics))
	if err != nil {
		return nil, err
	}
	return leadersFromMetadata(resp)
}

func leadersFromMetadata(resp *sarama.MetadataResponse) (map[PartitionRef]Leader, error) {
	addrs := make(map[int32]string, len(resp.Brokers))
	for _, b := range resp.Brokers {
		addrs[b.ID()] = b.Addr()
	}
	out := make(map[PartitionRef]Leader)
	for _, t := range resp.Topics {
		if t.Err != sarama.ErrNoError {
			return nil, fmt.Errorf("kafka: metadata for topic %q: %w", t.Name, t.Err)
		}
		for _, pm := range t.Partitions {
			if pm.Err != sarama.ErrNoError && pm.Err != sarama.ErrReplicaNotAvailable {
				return nil, fmt.Errorf("kafka: metadata for %s: %w", PartitionRef{t.Name, pm.ID}, pm.Err)
			}
			addr, ok := addrs[pm.Leader]
			if !ok {
				return nil, fmt.Errorf("kafka: %s: %w", PartitionRef{t.Name, pm.ID}, sarama.ErrLeaderNotAvailable)
			}
			out[PartitionRef{t.Name, pm.ID}] = Leader{ID: pm.Leader, Addr: addr}
		}
	}
	return out, nil
}

func (c *SaramaConn) Close() error {
	return c.broker.Close()
}

var _ Conn = (*SaramaConn)(nil)
