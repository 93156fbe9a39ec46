// Package decode turns raw record keys and values into typed data.
package decode

import (
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"
)

// Func decodes one raw payload. It is never called with a nil key; callers
// map those to the zero value.
type Func[T any] func(raw []byte) (T, error)

// Bytes hands the payload through untouched.
func Bytes(raw []byte) ([]byte, error) { return raw, nil }

func String(raw []byte) (string, error) { return string(raw), nil }

// Discard ignores the payload.
func Discard([]byte) (struct{}, error) { return struct{}{}, nil }

func JSON[T any]() Func[T] {
	return func(raw []byte) (T, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("decode json: %w", err)
		}
		return v, nil
	}
}

func YAML[T any]() Func[T] {
	return func(raw []byte) (T, error) {
		var v T
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("decode yaml: %w", err)
		}
		return v, nil
	}
}

// Proto decodes wire-format protobuf into a fresh message from newMsg.
func Proto[T proto.Message](newMsg func() T) Func[T] {
	return func(raw []byte) (T, error) {
		m := newMsg()
		if err := proto.Unmarshal(raw, m); err != nil {
			return m, fmt.Errorf("decode proto: %w", err)
		}
		return m, nil
	}
}

// Map chains f with a conversion of its result.
func Map[A, B any](f Func[A], g func(A) (B, error)) Func[B] {
	return func(raw []byte) (B, error) {
		a, err := f(raw)
		if err != nil {
			var zero B
			return zero, err
		}
		return g(a)
	}
}

// Erase adapts f to the untyped form the registry stores.
func Erase[T any](f Func[T]) Func[any] {
	return func(raw []byte) (any, error) { return f(raw) }
}
