package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Exchange is the per-request key/value channel between the Authorizer and
// the client. Values written with Set are readable with Get until maxAge
// elapses or Unset is called. Tampered or expired values read as absent.
type Exchange interface {
	Set(ctx context.Context, key string, maxAge time.Duration, value any) error
	Get(ctx context.Context, key string, dst any) (bool, error)
	Unset(ctx context.Context, key string) error
}

type sealedValue struct {
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v"`
	Expires int64           `json:"exp"`
}

// CookieCodec encrypts exchange values as compact JWE (dir + A256GCM).
type CookieCodec struct {
	cfg CookieConfig
	now func() time.Time
}

// NewCookieCodec requires a 32-byte key.
func NewCookieCodec(cfg CookieConfig) (*CookieCodec, error) {
	if len(cfg.Key) != 32 {
		return nil, errors.New("cookie key must be 32 bytes")
	}
	cfg.Key = cloneBytes(cfg.Key)
	return &CookieCodec{cfg: cfg, now: time.Now}, nil
}

func (c *CookieCodec) seal(key string, value any, maxAge time.Duration) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(sealedValue{
		Key:     key,
		Value:   raw,
		Expires: c.now().Add(maxAge).Unix(),
	})
	if err != nil {
		return "", err
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: c.cfg.Key}, nil)
	if err != nil {
		return "", err
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// open returns nil for anything that fails to decrypt, names another key, or has expired.
func (c *CookieCodec) open(key, compact string) json.RawMessage {
	obj, err := jose.ParseEncrypted(compact, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil
	}
	plaintext, err := obj.Decrypt(c.cfg.Key)
	if err != nil {
		return nil
	}
	var sv sealedValue
	if err := json.Unmarshal(plaintext, &sv); err != nil {
		return nil
	}
	if sv.Key != key || c.now().Unix() >= sv.Expires {
		return nil
	}
	return sv.Value
}

// Exchange binds the codec to one request/response pair.
func (c *CookieCodec) Exchange(w http.ResponseWriter, r *http.Request) *CookieExchange {
	return &CookieExchange{codec: c, w: w, r: r, pending: make(map[string]*string)}
}

// CookieExchange stores each key in its own encrypted, HttpOnly cookie.
// Writes made during the request are visible to later reads in the same request.
type CookieExchange struct {
	codec   *CookieCodec
	w       http.ResponseWriter
	r       *http.Request
	mu      sync.Mutex
	pending map[string]*string
}

var _ Exchange = (*CookieExchange)(nil)

func (e *CookieExchange) cookie(key, value string, maxAge int) *http.Cookie {
	cfg := e.codec.cfg
	return &http.Cookie{
		Name:     cfg.Prefix + key,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	}
}

func (e *CookieExchange) Set(ctx context.Context, key string, maxAge time.Duration, value any) error {
	if maxAge <= 0 {
		return errors.New("exchange maxAge must be positive")
	}
	sealed, err := e.codec.seal(key, value, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(e.w, e.cookie(key, sealed, int(maxAge/time.Second)))

	e.mu.Lock()
	e.pending[key] = &sealed
	e.mu.Unlock()
	return nil
}

func (e *CookieExchange) Get(ctx context.Context, key string, dst any) (bool, error) {
	e.mu.Lock()
	p, touched := e.pending[key]
	e.mu.Unlock()

	var compact string
	switch {
	case touched && p == nil:
		return false, nil
	case touched:
		compact = *p
	default:
		c, err := e.r.Cookie(e.codec.cfg.Prefix + key)
		if err != nil {
			return false, nil
		}
		compact = c.Value
	}

	raw := e.codec.open(key, compact)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *CookieExchange) Unset(ctx context.Context, key string) error {
	http.SetCookie(e.w, e.cookie(key, "", -1))

	e.mu.Lock()
	e.pending[key] = nil
	e.mu.Unlock()
	return nil
}

// MemoryExchange keeps values in a map. It serves non-HTTP callers and tests.
type MemoryExchange struct {
	mu     sync.Mutex
	values map[string]memoryValue
	now    func() time.Time
}

type memoryValue struct {
	raw     json.RawMessage
	expires time.Time
}

func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{values: make(map[string]memoryValue), now: time.Now}
}

var _ Exchange = (*MemoryExchange)(nil)

func (m *MemoryExchange) Set(ctx context.Context, key string, maxAge time.Duration, value any) error {
	if maxAge <= 0 {
		return errors.New("exchange maxAge must be positive")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryValue{raw: raw, expires: m.now().Add(maxAge)}
	return nil
}

func (m *MemoryExchange) Get(ctx context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	v, ok := m.values[key]
	m.mu.Unlock()
	if !ok || !m.now().Before(v.expires) {
		return false, nil
	}
	if err := json.Unmarshal(v.raw, dst); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryExchange) Unset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
