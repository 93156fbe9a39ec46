package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "KSTREAM_KAFKA__"

type BackoffCfg struct {
	Initial time.Duration `koanf:"initial"` // first empty-poll sleep
	Max     time.Duration `koanf:"max"`     // sleep ceiling
}

// Config holds connection and tuning parameters for one run. It is a value
// type; components keep their own Clone so later edits never reach a running
// reader.
type Config struct {
	Driver          string        `koanf:"driver" validate:"required"`
	Broker          string        `koanf:"broker" validate:"required,hostname_port"`
	BrokerOverrides []string      `koanf:"broker_overrides" validate:"dive,hostname_port"` // broker id N -> entry N-1
	Version         string        `koanf:"version"`
	ClientID        string        `koanf:"client_id"`
	SocketTimeout   time.Duration `koanf:"socket_timeout" validate:"gte=0"`
	ReceiveBuffer   int           `koanf:"receive_buffer" validate:"gte=0"`
	ScanFetchSize   int32         `koanf:"scan_fetch_size" validate:"gt=0"`
	FetchSize       int32         `koanf:"fetch_size" validate:"gt=0"`
	Backoff         BackoffCfg    `koanf:"backoff"`
	IdleExit        time.Duration `koanf:"idle_exit" validate:"gte=0"` // 0 = never
	Topics          []string      `koanf:"topics" validate:"required,min=1,dive,required"`
	StartFrom       string        `koanf:"start_from"` // earliest|latest|RFC3339

	Start Position `koanf:"-" validate:"-"`
}

func DefaultConfig() Config {
	return Config{
		Driver:        "sarama",
		Version:       "2.1.0",
		ClientID:      "kstream",
		SocketTimeout: 30 * time.Second,
		ReceiveBuffer: 64 << 10,
		ScanFetchSize: 64 << 10,
		FetchSize:     1 << 20,
		Backoff: BackoffCfg{
			Initial: 50 * time.Millisecond,
			Max:     5 * time.Second,
		},
		Start: Earliest(),
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.BrokerOverrides = slices.Clone(c.BrokerOverrides)
	c.Topics = slices.Clone(c.Topics)
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports the first invalid field. It is called when a run starts.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("kafka: invalid config: %w", err)
	}
	return nil
}

// OverrideFor returns the configured address override for a broker id.
func (c Config) OverrideFor(id int32) (string, bool) {
	if id < 1 || int(id) > len(c.BrokerOverrides) {
		return "", false
	}
	return c.BrokerOverrides[id-1], true
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KSTREAM_KAFKA__`, delimiter `__`) on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	pos, err := ParseStart(cfg.StartFrom)
	if err != nil {
		return cfg, err
	}
	cfg.Start = pos
	return cfg, nil
}

// ParseStart turns a start_from value into a Position. Empty means earliest.
func ParseStart(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "earliest", "oldest":
		return Earliest(), nil
	case "latest", "newest":
		return Latest(), nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return Position{}, fmt.Errorf("kafka: start_from %q: want earliest, latest or RFC3339 time", s)
	}
	return At(t), nil
}
