package random

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// Source produces the random material the signing flow depends on.
// Injected so tests can use a deterministic source.
type Source interface {
	// Token returns a 32-byte URL-safe bearer token.
	Token() (string, error)
	// OTPCode returns a 6-digit decimal code drawn uniformly from
	// [100000, 999999].
	OTPCode() (string, error)
}

type cryptoSource struct{}

func NewSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Token() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (cryptoSource) OTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("read random int: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Static is a Source that replays fixed values, for tests.
type Static struct {
	TokenValue string
	Code       string
}

func (s Static) Token() (string, error) {
	return s.TokenValue, nil
}

func (s Static) OTPCode() (string, error) {
	return s.Code, nil
}
