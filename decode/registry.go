package decode

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	json "github.com/goccy/go-json"
)

var ErrUnknownDecoder = errors.New("decode: unknown decoder")

/*──────── registry ───────*/

var (
	mu  sync.RWMutex
	reg = map[string]Func[any]{}
)

func init() {
	Register("bytes", Erase[[]byte](Bytes))
	Register("string", Erase[string](String))
	Register("discard", Erase[struct{}](Discard))
	Register("json", Erase(JSON[any]()))
	Register("yaml", Erase(YAML[any]()))
	// raw JSON kept as-is so sinks can re-emit it without a round trip
	Register("rawjson", Erase[json.RawMessage](func(raw []byte) (json.RawMessage, error) {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("decode rawjson: invalid JSON")
		}
		return json.RawMessage(raw), nil
	}))
}

// Register makes a decoder available to pipeline files by name.
func Register(name string, f Func[any]) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func Lookup(name string) (Func[any], error) {
	mu.RLock()
	defer mu.RUnlock()
	if f, ok := reg[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDecoder, name)
}

// Names lists registered decoders in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
