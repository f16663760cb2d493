package password

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash reports a stored hash no configured hasher recognizes.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Hasher hashes new passwords and verifies stored hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
	Handles(encodedHash string) bool
}

var (
	_ Hasher = (*Argon2)(nil)
	_ Hasher = (*Bcrypt)(nil)
	_ Hasher = (*Chain)(nil)
)

// Bcrypt wraps golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt rejects costs outside bcrypt's accepted range.
func NewBcrypt(cost int) (*Bcrypt, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	return &Bcrypt{cost: cost}, nil
}

func (b *Bcrypt) Hash(password string) (string, error) {
	// bcrypt silently truncates past 72 bytes; refuse instead.
	if len(password) > 72 {
		return "", errors.New("bcrypt password exceeds 72 bytes")
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *Bcrypt) Verify(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

func (b *Bcrypt) NeedsUpgrade(encodedHash string) (bool, error) {
	cost, err := bcrypt.Cost([]byte(encodedHash))
	if err != nil {
		return false, err
	}
	return cost < b.cost, nil
}

func (b *Bcrypt) Handles(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$2a$") ||
		strings.HasPrefix(encodedHash, "$2b$") ||
		strings.HasPrefix(encodedHash, "$2y$")
}

// Chain hashes with the primary hasher and verifies with whichever hasher
// recognizes the stored format.
type Chain struct {
	primary Hasher
	legacy  []Hasher
}

func NewChain(primary Hasher, legacy ...Hasher) *Chain {
	return &Chain{primary: primary, legacy: legacy}
}

func (c *Chain) Hash(password string) (string, error) {
	return c.primary.Hash(password)
}

func (c *Chain) pick(encodedHash string) Hasher {
	if c.primary.Handles(encodedHash) {
		return c.primary
	}
	for _, h := range c.legacy {
		if h.Handles(encodedHash) {
			return h
		}
	}
	return nil
}

func (c *Chain) Verify(password, encodedHash string) (bool, error) {
	h := c.pick(encodedHash)
	if h == nil {
		return false, ErrUnsupportedHash
	}
	return h.Verify(password, encodedHash)
}

// NeedsUpgrade is true for any hash not produced by the primary hasher.
func (c *Chain) NeedsUpgrade(encodedHash string) (bool, error) {
	if c.primary.Handles(encodedHash) {
		return c.primary.NeedsUpgrade(encodedHash)
	}
	if c.pick(encodedHash) == nil {
		return false, ErrUnsupportedHash
	}
	return true, nil
}

func (c *Chain) Handles(encodedHash string) bool {
	return c.pick(encodedHash) != nil
}
