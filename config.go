package authflow

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Config groups every tunable of an Authorizer.
type Config struct {
	Challenge ChallengeConfig
	Session   SessionConfig
	Signing   SigningConfig
	Cookie    CookieConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig bounds every in-progress flow. TTL, MaxAttempts and
// CodeLength have no defaults and must be set explicitly.
type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
	KeyPrefix   string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls artifact lifetime and revocation bookkeeping.
type SessionConfig struct {
	MaxAge           time.Duration
	ExchangeKey      string
	GenerationPrefix string
}

/*
====================================
SIGNING CONFIG
====================================
*/

// SigningConfig selects the session artifact signing key.
type SigningConfig struct {
	Method     string // "ed25519" (default) or "hs256"
	PrivateKey []byte
	PublicKey  []byte
	KeyID      string
	VerifyKeys map[string][]byte
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

/*
====================================
COOKIE CONFIG
====================================
*/

// CookieConfig controls the encrypted cookies CookieExchange writes.
type CookieConfig struct {
	// Key is the 32-byte A256GCM content encryption key.
	Key      []byte
	Prefix   string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns transport and bookkeeping defaults. Challenge limits
// and key material are left zero for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		Challenge: ChallengeConfig{
			KeyPrefix: "challenge",
		},
		Session: SessionConfig{
			MaxAge:           24 * time.Hour,
			ExchangeKey:      "session",
			GenerationPrefix: "subject",
		},
		Signing: SigningConfig{
			Method: "ed25519",
			Issuer: "authflow",
		},
		Cookie: CookieConfig{
			Prefix:   "authflow_",
			Path:     "/",
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Signing.PrivateKey = cloneBytes(cfg.Signing.PrivateKey)
	out.Signing.PublicKey = cloneBytes(cfg.Signing.PublicKey)
	out.Cookie.Key = cloneBytes(cfg.Cookie.Key)
	if cfg.Signing.VerifyKeys != nil {
		out.Signing.VerifyKeys = make(map[string][]byte, len(cfg.Signing.VerifyKeys))
		for kid, key := range cfg.Signing.VerifyKeys {
			out.Signing.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects missing challenge limits, unusable keys and malformed names.
func (c *Config) Validate() error {
	// Challenge
	if c.Challenge.TTL <= 0 {
		return errors.New("Challenge TTL must be > 0")
	}
	if c.Challenge.MaxAttempts <= 0 {
		return errors.New("Challenge MaxAttempts must be > 0")
	}
	if c.Challenge.CodeLength < 4 || c.Challenge.CodeLength > 10 {
		return errors.New("Challenge CodeLength must be between 4 and 10")
	}
	if !validName(c.Challenge.KeyPrefix) {
		return errors.New("Challenge KeyPrefix must be a non-empty token")
	}

	// Session
	if c.Session.MaxAge <= 0 {
		return errors.New("Session MaxAge must be > 0")
	}
	if !validName(c.Session.ExchangeKey) {
		return errors.New("Session ExchangeKey must be a non-empty token")
	}
	if !validName(c.Session.GenerationPrefix) {
		return errors.New("Session GenerationPrefix must be a non-empty token")
	}

	// Signing
	switch c.Signing.Method {
	case "ed25519":
		if len(c.Signing.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.Signing.PublicKey) == 0 && len(c.Signing.VerifyKeys) == 0 {
			return errors.New("ed25519 requires PublicKey or VerifyKeys")
		}
	case "hs256":
		if len(c.Signing.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported signing method")
	}

	// Cookie
	if len(c.Cookie.Key) != 32 {
		return errors.New("Cookie Key must be 32 bytes")
	}
	if strings.ContainsAny(c.Cookie.Prefix, " ;,=\t\r\n") {
		return errors.New("Cookie Prefix contains invalid characters")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

// validName accepts names safe to use as cookie-name and storage-key segments.
func validName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
