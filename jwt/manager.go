package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWS algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	errMissingKid = errors.New("missing kid")
	errUnknownKid = errors.New("unknown kid")
)

// Config holds key material and validation rules. Keys may be raw bytes or PEM.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	// VerifyKeys accepts tokens signed by rotated-out keys, selected by kid.
	VerifyKeys map[string][]byte
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// SubjectClaims is the body of a session artifact. Generation is compared
// against the subject's stored revocation generation on every verify.
type SubjectClaims struct {
	Type       string         `json:"typ"`
	Properties map[string]any `json:"props,omitempty"`
	Generation uint64         `json:"gen"`
	jwt.RegisteredClaims
}

// Manager signs and verifies subject tokens. Key material is decoded once
// in NewManager.
type Manager struct {
	method  jwt.SigningMethod
	signKey any // nil for a verify-only manager
	kid     string

	// verifyKeys is indexed by kid. Without kid checks the single key sits
	// under "".
	verifyKeys map[string]any
	requireKid bool

	parser       *jwt.Parser
	issuer       string
	audience     string
	maxFutureIAT time.Duration
	now          func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("leeway must be within [0, 2m]")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("MaxFutureIAT must be within (0, 24h]")
	}

	m := &Manager{
		kid:          strings.TrimSpace(cfg.KeyID),
		verifyKeys:   make(map[string]any),
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		maxFutureIAT: cfg.MaxFutureIAT,
		now:          cfg.Clock,
	}
	if m.now == nil {
		m.now = time.Now
	}

	var (
		decodeVerify  func([]byte) (any, error)
		defaultVerify []byte
	)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		defaultVerify = cfg.PrivateKey
		decodeVerify = func(k []byte) (any, error) { return k, nil }
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		defaultVerify = cfg.PublicKey
		decodeVerify = func(k []byte) (any, error) { return parseEdPublicKey(k) }
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}

	switch {
	case len(cfg.VerifyKeys) > 0:
		if m.kid != "" {
			if _, ok := cfg.VerifyKeys[m.kid]; !ok {
				return nil, errors.New("KeyID is not present in VerifyKeys")
			}
		}
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			key, err := decodeVerify(raw)
			if err != nil {
				return nil, fmt.Errorf("verify key for kid %q: %w", kid, err)
			}
			m.verifyKeys[kid] = key
		}
		m.requireKid = true
	default:
		key, err := decodeVerify(defaultVerify)
		if err != nil {
			return nil, err
		}
		m.verifyKeys[m.kid] = key
		m.requireKid = m.kid != ""
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m, nil
}

// Sign issues a token for the subject that expires after ttl.
func (m *Manager) Sign(subjectType, subjectID string, props map[string]any, generation uint64, ttl time.Duration) (string, error) {
	switch {
	case m.signKey == nil:
		return "", errors.New("manager has no signing key")
	case ttl <= 0:
		return "", errors.New("token ttl must be positive")
	case subjectID == "":
		return "", errors.New("subject id required")
	}

	now := m.now()
	claims := SubjectClaims{
		Type:       subjectType,
		Properties: props,
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.kid != "" {
		token.Header["kid"] = m.kid
	}
	return token.SignedString(m.signKey)
}

func (m *Manager) verifyKey(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if !m.requireKid {
		kid = ""
	} else if kid == "" {
		return nil, errMissingKid
	}
	key, ok := m.verifyKeys[kid]
	if !ok {
		return nil, errUnknownKid
	}
	return key, nil
}

// Parse verifies signature, algorithm, expiry, issuer and audience.
func (m *Manager) Parse(tokenStr string) (*SubjectClaims, error) {
	claims := &SubjectClaims{}
	token, err := m.parser.ParseWithClaims(tokenStr, claims, m.verifyKey)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" || claims.Type == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(m.now().Add(m.maxFutureIAT)) {
		return nil, errors.New("token iat too far in the future")
	}
	return claims, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	k, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return k, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	k, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return k, nil
}
