package kafka_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kstream/source/kafka"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kafka.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
schema_version: v1
broker: localhost:9092
broker_overrides: [127.0.0.1:19092, 127.0.0.1:29092]
topics: [events, audit]
fetch_size: 4096
idle_exit: 0
backoff:
  initial: 5ms
  max: 1s
start_from: "2024-01-01T00:00:05Z"
`)
	cfg, err := kafka.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "localhost:9092", cfg.Broker)
	require.Equal(t, []string{"events", "audit"}, cfg.Topics)
	require.Equal(t, int32(4096), cfg.FetchSize)
	require.Equal(t, int32(64<<10), cfg.ScanFetchSize)
	require.Equal(t, "sarama", cfg.Driver)
	require.Equal(t, 30*time.Second, cfg.SocketTimeout)
	require.Equal(t, time.Duration(0), cfg.IdleExit)
	require.Equal(t, kafka.BackoffCfg{Initial: 5 * time.Millisecond, Max: time.Second}, cfg.Backoff)
	require.Equal(t, kafka.PositionAt, cfg.Start.Kind)
	require.True(t, cfg.Start.Time.Equal(epoch.Add(5*time.Second)))

	addr, ok := cfg.OverrideFor(2)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:29092", addr)
	_, ok = cfg.OverrideFor(3)
	require.False(t, ok)
	_, ok = cfg.OverrideFor(0)
	require.False(t, ok)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeFile(t, "broker: localhost:9092\ntopics: [events]\nclient_id: from-file\n")
	t.Setenv("KSTREAM_KAFKA__CLIENT_ID", "from-env")
	t.Setenv("KSTREAM_KAFKA__BACKOFF__MAX", "250ms")

	cfg, err := kafka.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.ClientID)
	require.Equal(t, 250*time.Millisecond, cfg.Backoff.Max)
	require.Equal(t, 50*time.Millisecond, cfg.Backoff.Initial)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := kafka.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, kafka.DefaultConfig().FetchSize, cfg.FetchSize)
	require.Equal(t, kafka.PositionEarliest, cfg.Start.Kind)
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := kafka.LoadConfig(writeFile(t, "schema_version: v2\n"))
	require.ErrorContains(t, err, "schema_version")

	_, err = kafka.LoadConfig(writeFile(t, "start_from: yesterday\n"))
	require.ErrorContains(t, err, "start_from")
}

func TestParseStart(t *testing.T) {
	for in, want := range map[string]kafka.PositionKind{
		"":                     kafka.PositionEarliest,
		"earliest":             kafka.PositionEarliest,
		"Oldest":               kafka.PositionEarliest,
		"latest":               kafka.PositionLatest,
		" newest ":             kafka.PositionLatest,
		"2024-01-01T00:00:00Z": kafka.PositionAt,
	} {
		pos, err := kafka.ParseStart(in)
		require.NoError(t, err, in)
		require.Equal(t, want, pos.Kind, in)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*kafka.Config)
		ok   bool
	}{
		{"valid", func(*kafka.Config) {}, true},
		{"missing broker", func(c *kafka.Config) { c.Broker = "" }, false},
		{"broker without port", func(c *kafka.Config) { c.Broker = "localhost" }, false},
		{"no topics", func(c *kafka.Config) { c.Topics = nil }, false},
		{"empty topic", func(c *kafka.Config) { c.Topics = []string{""} }, false},
		{"bad override", func(c *kafka.Config) { c.BrokerOverrides = []string{"nope"} }, false},
		{"zero fetch size", func(c *kafka.Config) { c.FetchSize = 0 }, false},
		{"negative idle exit", func(c *kafka.Config) { c.IdleExit = -time.Second }, false},
		{"no driver", func(c *kafka.Config) { c.Driver = "" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("t")
			tc.edit(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := testConfig("a", "b")
	cfg.BrokerOverrides = []string{"h1:1"}
	c2 := cfg.Clone()
	c2.Topics[0] = "changed"
	c2.BrokerOverrides[0] = "h2:2"
	require.Equal(t, []string{"a", "b"}, cfg.Topics)
	require.Equal(t, []string{"h1:1"}, cfg.BrokerOverrides)
}
