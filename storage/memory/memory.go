// Package memory is an in-process storage backend for tests and single-node
// development, optionally snapshotted to a file.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/storage"
)

type entry struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

// Store keeps entries in a map guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	persist string
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersist snapshots the store to path after every mutation and loads it
// on construction.
func WithPersist(path string) Option {
	return func(s *Store) { s.persist = path }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store, or one restored from the persist file.
func New(opts ...Option) (*Store, error) {
	s := &Store{entries: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

var (
	_ storage.Storage = (*Store)(nil)
	_ storage.Swapper = (*Store)(nil)
)

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.ExpiresAt != 0 && s.now().UnixNano() >= e.ExpiresAt {
		delete(s.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return errors.New("memory: negative ttl")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(value, ttl)
	return s.apply(key, &e)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	return s.apply(key, nil)
}

// Swap implements storage.Swapper under the store mutex.
func (s *Store) Swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, errors.New("memory: negative ttl")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || (e.ExpiresAt != 0 && s.now().UnixNano() >= e.ExpiresAt) || !bytes.Equal(e.Value, prev) {
		return false, nil
	}
	var ne *entry
	if next != nil {
		v := s.entry(next, ttl)
		ne = &v
	}
	if err := s.apply(key, ne); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) entry(value []byte, ttl time.Duration) entry {
	e := entry{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl).UnixNano()
	}
	return e
}

// apply sets key to e, or deletes it when e is nil. With persistence enabled
// the change is made on a copy that replaces the live map only once the
// snapshot is on disk, so a failed write leaves the store as it was.
// mu must be held.
func (s *Store) apply(key string, e *entry) error {
	if s.persist == "" {
		if e == nil {
			delete(s.entries, key)
		} else {
			s.entries[key] = *e
		}
		return nil
	}

	next := make(map[string]entry, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	if e == nil {
		delete(next, key)
	} else {
		next[key] = *e
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// Len reports live entries. Expired entries are swept as a side effect.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	for k, e := range s.entries {
		if e.ExpiresAt != 0 && now >= e.ExpiresAt {
			delete(s.entries, k)
		}
	}
	return len(s.entries)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.persist)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("memory: corrupt snapshot %s: %w", s.persist, err)
	}
	return nil
}

func (s *Store) flush(entries map[string]entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.persist), ".authflow-*")
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.persist); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}
