package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	flowTokenSize  = 16
	linkSecretSize = 32
)

// NewFlowToken returns a random base64url token naming one flow instance.
func NewFlowToken() (string, error) {
	var raw [flowTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewLinkSecret returns a random base64url secret for magic links.
func NewLinkSecret() (string, error) {
	var raw [linkSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// HashSecret binds secret to the flow it was issued for. Stored state only
// ever holds this digest.
func HashSecret(flowID, secret string) string {
	sum := sha256.Sum256([]byte(flowID + "\x00" + secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatches compares a submitted secret with a stored digest in constant time.
func SecretMatches(flowID, submitted, storedHash string) bool {
	computed := HashSecret(flowID, submitted)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
