// Package fingerprint derives stable device identifiers from client device
// attributes.
//
// Two salting modes exist and the choice matters: ModeStable salts the
// derivation with the owner ID only, so the same device produces the same
// fingerprint on every login and "known device" checks work across
// sessions. ModeRandom mixes in a fresh nonce per call, which makes every
// output unique; that defeats device recognition and is only suitable for
// one-shot anti-replay tokens. ModeStable is the default.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Mode selects the salting strategy.
type Mode string

const (
	// ModeStable salts by owner identity only. Deterministic per
	// (owner, attributes); use for device recognition.
	ModeStable Mode = "stable"

	// ModeRandom salts by a fresh nonce on every call. Never
	// reproducible; use only for anti-replay tokens.
	ModeRandom Mode = "random"
)

// fingerprintBytes is the derived identifier length before hex encoding.
const fingerprintBytes = 32

// hkdfInfo domain-separates fingerprint derivation from any other HKDF use
// of the same inputs.
const hkdfInfo = "device-fingerprint-v1"

// Attributes is the device attribute tuple the fingerprint covers.
type Attributes struct {
	Kind             string
	Name             string
	UserAgent        string
	Platform         string
	ScreenResolution string
	Timezone         string
	Language         string
}

// canonical flattens attributes into a fixed-order byte string. Unit
// separators keep adjacent fields from colliding after concatenation.
func (a Attributes) canonical() []byte {
	return []byte(strings.Join([]string{
		a.Kind, a.Name, a.UserAgent, a.Platform,
		a.ScreenResolution, a.Timezone, a.Language,
	}, "\x1f"))
}

// Generator derives device fingerprints in a fixed mode.
type Generator struct {
	mode Mode
}

// New creates a generator. An empty mode falls back to ModeStable.
func New(mode Mode) (*Generator, error) {
	switch mode {
	case "":
		mode = ModeStable
	case ModeStable, ModeRandom:
	default:
		return nil, fmt.Errorf("unknown fingerprint mode %q", mode)
	}
	return &Generator{mode: mode}, nil
}

// Mode reports the generator's salting mode.
func (g *Generator) Mode() Mode {
	return g.mode
}

// Derive computes the fingerprint for the owner's device attributes using
// HKDF-SHA256. In ModeStable the result is a pure function of (ownerID,
// attrs); in ModeRandom each call yields a distinct value.
func (g *Generator) Derive(ownerID string, attrs Attributes) (string, error) {
	salt := []byte(ownerID)
	if g.mode == ModeRandom {
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("reading fingerprint nonce: %w", err)
		}
		salt = append(salt, nonce...)
	}

	r := hkdf.New(sha256.New, attrs.canonical(), salt, []byte(hkdfInfo))
	out := make([]byte, fingerprintBytes)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving fingerprint: %w", err)
	}
	return hex.EncodeToString(out), nil
}
