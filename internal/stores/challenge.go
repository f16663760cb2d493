package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/storage"
)

const (
	challengeRecordVersionV1 = 1
	maxNameLength            = 255
)

var (
	ErrChallengeNotFound = errors.New("challenge record not found")
	// ErrChallengeConflict means the stored record is no longer the one that
	// was loaded. Nothing was written.
	ErrChallengeConflict = errors.New("challenge record changed")
)

// ChallengeRecord is the persisted form of a flow's state.
type ChallengeRecord struct {
	Adapter   string
	Flow      string
	Kind      string
	Attempts  uint16
	IssuedAt  int64
	ExpiresAt int64
	Public    []byte
	Payload   []byte

	// raw is the encoding last read or written, the expected value for the
	// next conditional write.
	raw []byte
}

// ChallengeStore persists challenge records. Writes over a loaded record are
// conditional on it being unchanged, through storage.Swapper when the backend
// has it and a store-wide lock otherwise.
type ChallengeStore struct {
	storage storage.Storage
	swapper storage.Swapper
	prefix  string
	mu      sync.Mutex
}

func NewChallengeStore(s storage.Storage, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "challenge"
	}
	cs := &ChallengeStore{storage: s, prefix: prefix}
	cs.swapper, _ = s.(storage.Swapper)
	return cs
}

func (s *ChallengeStore) key(adapter, flow, token string) string {
	return storage.Key(s.prefix, adapter, flow, token)
}

// Save writes a new record unconditionally.
func (s *ChallengeStore) Save(ctx context.Context, token string, record *ChallengeRecord, now time.Time) error {
	ttl := time.Unix(0, record.ExpiresAt).Sub(now)
	if ttl <= 0 {
		return s.Remove(ctx, record.Adapter, record.Flow, token)
	}

	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return err
	}
	if err := s.storage.Set(ctx, s.key(record.Adapter, record.Flow, token), encoded, ttl); err != nil {
		return err
	}
	record.raw = encoded
	return nil
}

// Load returns ErrChallengeNotFound for missing, foreign, corrupt or expired
// records. Such records are deleted; if that delete fails the returned error
// wraps both ErrChallengeNotFound and the storage error.
func (s *ChallengeStore) Load(ctx context.Context, adapter, flow, token string, now time.Time) (*ChallengeRecord, error) {
	key := s.key(adapter, flow, token)
	data, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChallengeNotFound
	}

	record, err := decodeChallengeRecord(data)
	if err != nil || record.Adapter != adapter || record.Flow != flow || now.UnixNano() >= record.ExpiresAt {
		if err := s.storage.Remove(ctx, key); err != nil {
			return nil, fmt.Errorf("%w: discard stale record: %w", ErrChallengeNotFound, err)
		}
		return nil, ErrChallengeNotFound
	}
	record.raw = data
	return record, nil
}

// Replace writes next over prev only if the stored value is still prev.
// A next that has already expired deletes the record instead.
func (s *ChallengeStore) Replace(ctx context.Context, token string, prev, next *ChallengeRecord, now time.Time) error {
	if prev.raw == nil {
		return errors.New("challenge record was not loaded")
	}
	var encoded []byte
	ttl := time.Unix(0, next.ExpiresAt).Sub(now)
	if ttl > 0 {
		var err error
		if encoded, err = encodeChallengeRecord(next); err != nil {
			return err
		}
	} else {
		ttl = 0
	}

	ok, err := s.swap(ctx, s.key(prev.Adapter, prev.Flow, token), prev.raw, encoded, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallengeConflict
	}
	next.raw = encoded
	return nil
}

// Discard deletes record only if it is still the stored value.
func (s *ChallengeStore) Discard(ctx context.Context, token string, record *ChallengeRecord) error {
	if record.raw == nil {
		return errors.New("challenge record was not loaded")
	}
	ok, err := s.swap(ctx, s.key(record.Adapter, record.Flow, token), record.raw, nil, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallengeConflict
	}
	return nil
}

// ReserveAttempt stores record with its attempt counter incremented, failing
// with ErrChallengeConflict if another writer changed it since it was read.
// On success record reflects what is stored.
func (s *ChallengeStore) ReserveAttempt(ctx context.Context, token string, record *ChallengeRecord, now time.Time) error {
	next := *record
	if next.Attempts < math.MaxUint16 {
		next.Attempts++
	}
	if err := s.Replace(ctx, token, record, &next, now); err != nil {
		return err
	}
	if next.raw == nil {
		// expired between load and reserve
		return ErrChallengeNotFound
	}
	*record = next
	return nil
}

func (s *ChallengeStore) Remove(ctx context.Context, adapter, flow, token string) error {
	return s.storage.Remove(ctx, s.key(adapter, flow, token))
}

func (s *ChallengeStore) swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if s.swapper != nil {
		return s.swapper.Swap(ctx, key, prev, next, ttl)
	}

	// Only serialises writers sharing this process.
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	if next == nil {
		return true, s.storage.Remove(ctx, key)
	}
	return true, s.storage.Set(ctx, key, next, ttl)
}

func writeString(buf *bytes.Buffer, v string) error {
	if len(v) > maxNameLength {
		return errors.New("challenge record field too long")
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBlob(buf *bytes.Buffer, v []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(v))); err != nil {
		return err
	}
	buf.Write(v)
	return nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, errors.New("challenge record blob truncated")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeChallengeRecord(record *ChallengeRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(challengeRecordVersionV1)
	for _, v := range []string{record.Adapter, record.Flow, record.Kind} {
		if err := writeString(&buf, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, record.Public); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, record.Payload); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*ChallengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &ChallengeRecord{}
	for _, dst := range []*string{&record.Adapter, &record.Flow, &record.Kind} {
		if *dst, err = readString(reader); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.Public, err = readBlob(reader); err != nil {
		return nil, err
	}
	if record.Payload, err = readBlob(reader); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in challenge record")
	}

	return record, nil
}
