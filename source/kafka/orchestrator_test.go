package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"kstream/source/kafka"
	"kstream/source/kafka/kafkatest"
)

var (
	t0 = kafka.PartitionRef{Topic: "t", Partition: 0}
	t1 = kafka.PartitionRef{Topic: "t", Partition: 1}
	t2 = kafka.PartitionRef{Topic: "t", Partition: 2}
)

// threePartitions spreads topic t over two leaders: 0 and 2 on broker 1,
// 1 on broker 2.
func threePartitions() (*kafkatest.Cluster, map[kafka.PartitionRef]int) {
	c := kafkatest.NewCluster()
	c.SetBatch(4)
	counts := map[kafka.PartitionRef]int{t0: 50, t1: 30, t2: 20}
	partition(c, t0, 1, counts[t0], kafkatest.Sequential, identity)
	partition(c, t1, 2, counts[t1], kafkatest.Sequential, identity)
	partition(c, t2, 1, counts[t2], func(i int) int64 { return int64(i + 1000) }, identity)
	partition(c, kafka.PartitionRef{Topic: "other"}, 2, 5, kafkatest.Sequential, identity)
	return c, counts
}

func TestOrchestratorEndToEnd(t *testing.T) {
	c, counts := threePartitions()
	col := newCollector()
	cfg := testConfig("t")
	cfg.FetchSize = 100
	o, err := kafka.NewOrchestrator(cfg, kafka.Shared(col), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	require.Len(t, rep.Groups, 2)
	require.Equal(t, leader(1), rep.Groups[0].Leader)
	require.Equal(t, []kafka.PartitionRef{t0, t2}, rep.Groups[0].Partitions)
	require.Equal(t, []kafka.PartitionRef{t1}, rep.Groups[1].Partitions)

	total := 0
	offsets := rep.Offsets()
	for p, n := range counts {
		total += n
		log := c.Log(p)
		require.Equal(t, logOffsets(log), col.offsets(p), "partition %s", p)
		require.Equal(t, log[n-1].Offset+1, offsets[p])
	}
	require.Equal(t, total, col.total())
}

func TestOrchestratorClosesMetadataConnFirst(t *testing.T) {
	c, _ := threePartitions()
	o, err := kafka.NewOrchestrator(testConfig("t"), kafka.Shared(newCollector()), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)
	events := c.Events()
	require.Equal(t, []string{"dial boot:9092", "close boot:9092"}, events[:2])
	require.ElementsMatch(t, []string{
		"dial " + kafkatest.BrokerAddr(1), "close " + kafkatest.BrokerAddr(1),
		"dial " + kafkatest.BrokerAddr(2), "close " + kafkatest.BrokerAddr(2),
	}, events[2:])
}

func TestOrchestratorAppliesBrokerOverrides(t *testing.T) {
	c, _ := threePartitions()
	c.Alias("10.0.0.2:19092", 2)
	cfg := testConfig("t")
	cfg.BrokerOverrides = []string{kafkatest.BrokerAddr(1), "10.0.0.2:19092"}
	col := newCollector()
	o, err := kafka.NewOrchestrator(cfg, kafka.Shared(col), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	require.Equal(t, "10.0.0.2:19092", rep.Groups[1].Leader.Addr)
	require.Contains(t, c.Events(), "dial 10.0.0.2:19092")
	require.Equal(t, 100, col.total())
}

func TestOrchestratorIsolatesGroupFailures(t *testing.T) {
	c, _ := threePartitions()
	boom := errors.New("boom")
	var mu sync.Mutex
	delivered := map[kafka.PartitionRef]int{}
	h := kafka.HandlerFunc(func(p kafka.PartitionRef, m kafka.Message) (bool, error) {
		switch p {
		case t1:
			return false, boom
		case t2:
			if m.Offset == 1005 {
				panic("handler bug")
			}
		}
		mu.Lock()
		delivered[p]++
		mu.Unlock()
		return true, nil
	})
	o, err := kafka.NewOrchestrator(testConfig("t"), kafka.Shared(h), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Error(t, rep.Err())
	require.ErrorContains(t, rep.Groups[0].Err, "panicked")
	require.ErrorIs(t, rep.Groups[1].Err, boom)
	require.Equal(t, int64(1005), rep.Groups[0].Offsets[t2])
	require.Equal(t, 5, delivered[t2])
	require.Equal(t, 50, delivered[t0])
}

func TestOrchestratorLeaderDialFailureIsGroupFailure(t *testing.T) {
	c, _ := threePartitions()
	cfg := testConfig("t")
	cfg.BrokerOverrides = []string{kafkatest.BrokerAddr(1), "unreachable:9092"}
	col := newCollector()
	o, err := kafka.NewOrchestrator(cfg, kafka.Shared(col), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, rep.Groups[1].Err, kafkatest.ErrBrokerDown)
	require.NoError(t, rep.Groups[0].Err)
	require.Equal(t, 70, col.total())
}

func TestOrchestratorRunErrors(t *testing.T) {
	t.Run("metadata", func(t *testing.T) {
		c, _ := threePartitions()
		c.FailMetadata(kafkatest.ErrBrokerDown)
		o, err := kafka.NewOrchestrator(testConfig("t"), kafka.Shared(newCollector()), kafka.WithDialer(c.Dial))
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.ErrorIs(t, err, kafkatest.ErrBrokerDown)
		require.Equal(t, []string{"dial boot:9092", "close boot:9092"}, c.Events())
	})

	t.Run("no partitions", func(t *testing.T) {
		c, _ := threePartitions()
		o, err := kafka.NewOrchestrator(testConfig("missing"), kafka.Shared(newCollector()), kafka.WithDialer(c.Dial))
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.ErrorIs(t, err, kafka.ErrNoPartitions)
	})

	t.Run("bootstrap unreachable", func(t *testing.T) {
		c, _ := threePartitions()
		cfg := testConfig("t")
		cfg.Broker = "nowhere:9092"
		o, err := kafka.NewOrchestrator(cfg, kafka.Shared(newCollector()), kafka.WithDialer(c.Dial))
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.ErrorIs(t, err, kafkatest.ErrBrokerDown)
	})
}

func TestNewOrchestratorRejectsBadSetup(t *testing.T) {
	c, _ := threePartitions()
	f := kafka.Shared(newCollector())

	noBroker := testConfig("t")
	noBroker.Broker = ""
	_, err := kafka.NewOrchestrator(noBroker, f, kafka.WithDialer(c.Dial))
	require.Error(t, err)

	_, err = kafka.NewOrchestrator(testConfig(), f, kafka.WithDialer(c.Dial))
	require.Error(t, err)

	_, err = kafka.NewOrchestrator(testConfig("t"), nil, kafka.WithDialer(c.Dial))
	require.ErrorIs(t, err, kafka.ErrNoFactory)

	unknown := testConfig("t")
	unknown.Driver = "carrier-pigeon"
	_, err = kafka.NewOrchestrator(unknown, f)
	require.ErrorIs(t, err, kafka.ErrUnknownDriver)

	require.Empty(t, c.Events(), "no connection may be opened for a bad setup")
}

func TestOrchestratorUsesRegisteredDriver(t *testing.T) {
	c, _ := threePartitions()
	kafka.Register("kafkatest-orchestrator", c.Dial)
	cfg := testConfig("t")
	cfg.Driver = "kafkatest-orchestrator"
	col := newCollector()
	o, err := kafka.NewOrchestrator(cfg, kafka.Shared(col))
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	require.Equal(t, 100, col.total())
}

func TestOrchestratorCancelIsNotAFailure(t *testing.T) {
	c, _ := threePartitions()
	cfg := testConfig("t")
	cfg.IdleExit = 0
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	h := kafka.HandlerFunc(func(kafka.PartitionRef, kafka.Message) (bool, error) {
		once.Do(cancel)
		return true, nil
	})
	o, err := kafka.NewOrchestrator(cfg, kafka.Shared(h), kafka.WithDialer(c.Dial))
	require.NoError(t, err)

	rep, err := o.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	for _, g := range rep.Groups {
		require.ErrorIs(t, g.Err, context.Canceled)
	}
}
