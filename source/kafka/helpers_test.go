package kafka_test

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kstream/internal/logging"
	"kstream/source/kafka"
	"kstream/source/kafka/kafkatest"
)

func TestMain(m *testing.M) {
	logging.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

var epoch = kafkatest.Epoch

func decimal(f func(i int) int) func(i int) string {
	return func(i int) string { return strconv.Itoa(f(i)) }
}

func identity(i int) int { return i }

// partition adds n records with decimal values to c.
func partition(c *kafkatest.Cluster, p kafka.PartitionRef, leader int32, n int, offset func(int) int64, value func(int) int) {
	c.AddPartition(p, leader, kafkatest.Records(n, offset, decimal(value)))
}

func testConfig(topics ...string) kafka.Config {
	cfg := kafka.DefaultConfig()
	cfg.Broker = kafkatest.BootstrapAddr
	cfg.Topics = topics
	cfg.Backoff = kafka.BackoffCfg{Initial: time.Millisecond, Max: 4 * time.Millisecond}
	cfg.IdleExit = 30 * time.Millisecond
	return cfg
}

func logOffsets(msgs []kafka.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Offset
	}
	return out
}

type collector struct {
	mu   sync.Mutex
	seen map[kafka.PartitionRef][]int64
}

func newCollector() *collector { return &collector{seen: map[kafka.PartitionRef][]int64{}} }

func (c *collector) Handle(p kafka.PartitionRef, m kafka.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[p] = append(c.seen[p], m.Offset)
	return true, nil
}

func (c *collector) offsets(p kafka.PartitionRef) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seen[p]...)
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seen {
		n += len(s)
	}
	return n
}

func leader(id int32) kafka.Leader { return kafka.Leader{ID: id, Addr: kafkatest.BrokerAddr(id)} }

func dialLeader(t *testing.T, c *kafkatest.Cluster, id int32) kafka.Conn {
	t.Helper()
	conn, err := c.Dial(kafkatest.BrokerAddr(id), kafka.Config{})
	require.NoError(t, err)
	return conn
}

func newTestReader(t *testing.T, c *kafkatest.Cluster, cfg kafka.Config, f kafka.HandlerFactory, parts ...kafka.PartitionRef) *kafka.LeaderReader {
	t.Helper()
	return kafka.NewLeaderReader(cfg, leader(1), dialLeader(t, c, 1), f, parts)
}
