// Package session provides the session cache for the bot platform.
// It defines the Store interface for session persistence, the Record type
// that represents one live session, and the typed Snapshot payload that
// mirrors an owner's authoritative channel and device state.
package session

import (
	"context"
	"slices"
	"time"
)

// DefaultTTL is the session lifetime applied when a store is configured
// without an explicit TTL. Refresh extends it on every authenticated access.
const DefaultTTL = 7 * 24 * time.Hour

// ChannelSummary is the denormalized projection of one owner channel into a
// session snapshot.
type ChannelSummary struct {
	Kind        string `json:"kind"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
}

// Snapshot is the denormalized owner state embedded in every session record.
// It may lag the authoritative store but converges after each synchronization
// run. Unknown fields in stored payloads are dropped on read.
type Snapshot struct {
	ChannelsCount int              `json:"channels_count"`
	Channels      []ChannelSummary `json:"channels"`
	DevicesCount  int              `json:"devices_count"`

	// Fingerprint identifies the device the session was issued to. It is
	// set at login and never touched by synchronization fan-out.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Clone returns a deep copy of the snapshot. Fan-out mutators operate on
// clones so a failed write never leaves a half-mutated payload behind.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Channels = slices.Clone(s.Channels)
	return out
}

// Record represents one live session.
type Record struct {
	// Token is the opaque high-entropy credential. It doubles as the
	// cache lookup key; the store never reissues a token.
	Token string

	// OwnerID identifies the account the session belongs to. One owner
	// may hold many concurrent records (multi-device).
	OwnerID string

	// IssuedAt is when the session was created. Refresh never changes it.
	IssuedAt time.Time

	// ExpiresAt is when the session lapses unless refreshed. Refresh only
	// ever moves it forward.
	ExpiresAt time.Time

	// Snapshot is the denormalized owner state at last synchronization.
	Snapshot Snapshot
}

// Live reports whether the record has not yet expired at t.
func (r *Record) Live(t time.Time) bool {
	return t.Before(r.ExpiresAt)
}

// Store defines the session cache contract. Implementations are shared
// across service instances; no caller may hold session state between
// requests outside the store.
type Store interface {
	// Create issues a fresh token and persists a record for ownerID with
	// the default TTL. Token collisions are retried internally and never
	// surface. Returns ErrStorageUnavailable when the backend is down.
	Create(ctx context.Context, ownerID string, snap Snapshot) (string, error)

	// Lookup resolves a token to its record without the caller knowing
	// the owner. Returns nil, nil when the token is missing, expired, or
	// its stored payload cannot be decoded.
	Lookup(ctx context.Context, token string) (*Record, error)

	// Refresh extends the record's expiry by the store TTL from now. The
	// expiry never decreases; refreshing an expired or unknown token is
	// a no-op.
	Refresh(ctx context.Context, token string) error

	// Invalidate removes the record for token. Idempotent.
	Invalidate(ctx context.Context, token string) error

	// InvalidateOwner removes every record for ownerID (multi-device
	// logout). Idempotent.
	InvalidateOwner(ctx context.Context, ownerID string) error

	// ListByOwner returns all live records for ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]*Record, error)

	// UpdateSnapshot applies mutate to the snapshot of every live record
	// for ownerID and writes each back. A failure on one record is
	// logged and does not abort writes to its siblings; the returned
	// count is the number of records successfully updated. No-op when
	// the owner has no live records.
	UpdateSnapshot(ctx context.Context, ownerID string, mutate func(*Snapshot)) (int, error)

	// Close stops background routines and releases resources.
	Close() error
}
