// Package storage defines the key-value contract challenge state, credentials
// and session revocation generations are persisted through.
//
// Keys are opaque strings chosen by the caller. Values are opaque bytes.
// A backend returns found=false for missing or expired keys and wraps every
// backend failure in ErrUnavailable so callers can tell "absent" from "could
// not check".
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure. A miss is never reported as an error.
var ErrUnavailable = errors.New("storage unavailable")

// Storage is the pluggable persistence contract.
//
// A ttl of zero means the entry never expires.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Swapper is implemented by backends that can replace a value conditionally.
//
// Swap writes next under key only while the stored value still equals prev,
// and removes the key when next is nil. It reports false without an error when
// the value changed, expired or is gone. Callers that count attempts rely on it
// so two requests never act on the same stored state.
type Swapper interface {
	Swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
}

// Key joins segments with ":" so every backend sees the same layout.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, p...)
	}
	return string(b)
}
