package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// Lower bounds accepted for both new configurations and stored hashes.
const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
)

var errMalformedPHC = errors.New("malformed argon2id PHC string")

// Config holds argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns the recommended interactive-login parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (c Config) validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return fmt.Errorf("argon2 memory must be >= %d KB", minMemoryKB)
	case c.Time < minTimeCost:
		return fmt.Errorf("argon2 time must be >= %d", minTimeCost)
	case c.Parallelism < minParallelism:
		return fmt.Errorf("argon2 parallelism must be >= %d", minParallelism)
	case c.SaltLength < minSaltLength:
		return fmt.Errorf("argon2 salt length must be >= %d", minSaltLength)
	case c.KeyLength < minKeyLength:
		return fmt.Errorf("argon2 key length must be >= %d", minKeyLength)
	}
	return nil
}

// phcHash is the decoded form of
// $argon2id$v=19$m=<memory>,t=<time>,p=<parallelism>$<salt>$<key>.
type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (h phcHash) String() string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version,
		h.memory, h.time, h.parallelism,
		base64.StdEncoding.EncodeToString(h.salt),
		base64.StdEncoding.EncodeToString(h.key),
	)
}

func (h phcHash) derive(password string) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.parallelism, uint32(len(h.key)))
}

func decodePHC(encoded string) (phcHash, error) {
	var h phcHash

	segs := strings.Split(encoded, "$")
	if len(segs) != 6 || segs[0] != "" || segs[1] != algorithmID {
		return h, errMalformedPHC
	}

	var version int
	if _, err := fmt.Sscanf(segs[2], "v=%d", &version); err != nil {
		return h, errMalformedPHC
	}
	if version != argon2.Version {
		return h, fmt.Errorf("unsupported argon2 version %d", version)
	}

	// Sscanf accepts trailing input, so the round trip guards against it.
	if _, err := fmt.Sscanf(segs[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.parallelism); err != nil ||
		fmt.Sprintf("m=%d,t=%d,p=%d", h.memory, h.time, h.parallelism) != segs[3] {
		return h, errMalformedPHC
	}
	if h.memory < minMemoryKB || h.time < minTimeCost || h.parallelism < minParallelism {
		return h, errors.New("argon2 parameters below minimum")
	}

	var err error
	if h.salt, err = base64.StdEncoding.DecodeString(segs[4]); err != nil || len(h.salt) < int(minSaltLength) {
		return h, errMalformedPHC
	}
	if h.key, err = base64.StdEncoding.DecodeString(segs[5]); err != nil || len(h.key) == 0 {
		return h, errMalformedPHC
	}
	return h, nil
}

// Argon2 hashes to and verifies PHC-encoded argon2id strings.
type Argon2 struct {
	config Config
}

// NewArgon2 validates cfg against minimum cost bounds.
func NewArgon2(cfg Config) (*Argon2, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Argon2{config: cfg}, nil
}

// Hash returns a PHC string for password. Length policy belongs to the caller.
// Password bytes are used as given, without Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	h := phcHash{
		memory:      a.config.Memory,
		time:        a.config.Time,
		parallelism: a.config.Parallelism,
		salt:        make([]byte, a.config.SaltLength),
		key:         make([]byte, a.config.KeyLength),
	}
	if _, err := io.ReadFull(rand.Reader, h.salt); err != nil {
		return "", err
	}
	h.key = h.derive(password)
	return h.String(), nil
}

// Verify compares password against encodedHash in constant time.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	h, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.derive(password), h.key) == 1, nil
}

// NeedsUpgrade reports whether encodedHash was produced with weaker parameters.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	h, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	weaker := h.memory < a.config.Memory ||
		h.time < a.config.Time ||
		h.parallelism < a.config.Parallelism ||
		uint32(len(h.key)) != a.config.KeyLength
	return weaker, nil
}

// Handles reports whether encodedHash is an argon2id PHC string.
func (a *Argon2) Handles(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$"+algorithmID+"$")
}
