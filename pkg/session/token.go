package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the entropy of an issued token. 32 bytes keeps a wide margin
// over the 128-bit floor required for bearer credentials.
const tokenBytes = 32

// NewToken returns a fresh opaque session token. Collision handling is the
// store's job; this function only guarantees entropy.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
