package kafka

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownDriver = errors.New("kafka: unsupported driver")

var (
	registryMu sync.RWMutex
	registry   = map[string]Dialer{}
)

func init() { Register("sarama", DialSarama) }

// Register makes a driver available by name (“sarama”, or fakes in tests).
func Register(name string, d Dialer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = d
}

// LookupDialer returns a driver by name.
func LookupDialer(name string) (Dialer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := registry[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
}
