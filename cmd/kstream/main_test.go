package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kstream/source/kafka"
	"kstream/source/kafka/kafkatest"
)

var events = kafka.PartitionRef{Topic: "events", Partition: 0}

// registerCluster serves ten records keyed k0..k9 under a driver name unique
// to the test.
func registerCluster(t *testing.T) string {
	t.Helper()
	c := kafkatest.NewCluster()
	c.AddPartition(events, 1, kafkatest.Records(10, kafkatest.Sequential, func(i int) string {
		return `{"n":` + strconv.Itoa(i) + `}`
	}))
	name := "cli-" + t.Name()
	kafka.Register(name, c.Dial)
	return name
}

func execCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestTailPrintsRecords(t *testing.T) {
	driver := registerCluster(t)
	out, err := execCommand(t, "tail",
		"--broker", kafkatest.BootstrapAddr, "-t", "events", "--driver", driver,
		"--idle-exit", "30ms", "--values", "rawjson", "--format", "json")
	require.NoError(t, err)

	got := lines(out)
	require.Len(t, got, 10)
	assert.Contains(t, got[0], `"key":"k0"`)
	assert.Contains(t, got[9], `"value":{"n":9}`)
}

func TestTailSeekKey(t *testing.T) {
	driver := registerCluster(t)
	out, err := execCommand(t, "tail",
		"--broker", kafkatest.BootstrapAddr, "-t", "events", "--driver", driver,
		"--idle-exit", "30ms", "--seek-key", "k7")
	require.NoError(t, err)

	got := lines(out)
	require.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(got[0], "events[0]@7 "))
	assert.Contains(t, got[0], `key=k7 value={"n":7}`)
}

func TestTailStartLatestPrintsNothing(t *testing.T) {
	driver := registerCluster(t)
	out, err := execCommand(t, "tail",
		"--broker", kafkatest.BootstrapAddr, "-t", "events", "--driver", driver,
		"--idle-exit", "30ms", "--start", "latest")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTailRejectsBadFlags(t *testing.T) {
	_, err := execCommand(t, "tail", "-t", "events")
	assert.ErrorContains(t, err, "Broker")

	_, err = execCommand(t, "tail", "--broker", "b:1", "-t", "events", "--start", "soon")
	assert.ErrorContains(t, err, "start_from")

	_, err = execCommand(t, "tail", "--broker", "b:1", "-t", "events", "--start", "latest", "--seek-key", "k")
	assert.Error(t, err)

	_, err = execCommand(t, "tail", "--broker", "b:1", "-t", "events", "--values", "avro")
	assert.ErrorContains(t, err, "unknown decoder")
}

func TestTailReportsFailedGroups(t *testing.T) {
	driver := registerCluster(t)
	_, err := execCommand(t, "tail",
		"--broker", kafkatest.BootstrapAddr, "-t", "events", "--driver", driver,
		"--idle-exit", "30ms", "--values", "yaml")
	// {"n":0} is valid YAML, so decoding succeeds
	require.NoError(t, err)

	_, err = execCommand(t, "tail",
		"--broker", kafkatest.BootstrapAddr, "-t", "events", "--driver", driver,
		"--idle-exit", "30ms", "--keys", "json")
	assert.ErrorContains(t, err, "1 of 1 leader groups failed")
}

func TestRunPipelineFile(t *testing.T) {
	driver := registerCluster(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kafka.yml"), []byte(`schema_version: v1
broker: boot:9092
topics: [events]
idle_exit: 30ms
backoff: { initial: 1ms, max: 4ms }
`), 0o644))
	pipe := filepath.Join(dir, "pipeline.yml")
	require.NoError(t, os.WriteFile(pipe, []byte(`source:
  config: kafka.yml
  driver: `+driver+`
  start: earliest
sink_configs:
  stdout: { print_counter: true }
`), 0o644))

	out, err := execCommand(t, "run", pipe)
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 10)
	assert.True(t, strings.HasPrefix(got[0], "[sink 000001] events[0]@0 "))

	_, err = execCommand(t, "run")
	assert.Error(t, err)
	_, err = execCommand(t, "run", filepath.Join(dir, "absent.yml"))
	assert.Error(t, err)
}
