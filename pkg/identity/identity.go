// Package identity resolves transport-supplied session tokens to owner
// identity. It is the only consumer of the session cache on the request
// path: handlers read the resolved identity from the request context and
// never touch tokens themselves.
package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/botmesh/platform-core/pkg/session"
)

// Identity is the resolved owner identity handed to business logic.
type Identity struct {
	OwnerID string

	// Token is the session token the identity was resolved from. Kept so
	// logout handlers can invalidate the exact session.
	Token string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Snapshot is the session's denormalized owner state at resolution
	// time. It may lag the durable store by at most one sync cycle.
	Snapshot session.Snapshot
}

// Resolver resolves tokens against the session store and drives rolling
// expiration.
type Resolver struct {
	sessions session.Store
}

// NewResolver creates a resolver over the given session store.
func NewResolver(sessions session.Store) *Resolver {
	return &Resolver{sessions: sessions}
}

// Resolve looks up token and, on success, extends the session's TTL.
// Returns nil, nil for unknown or expired tokens; storage outages propagate
// as ErrStorageUnavailable so callers can answer with a server-error class
// instead of unauthorized.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	rec, err := r.sessions.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil //nolint:nilnil // unknown or expired token is not an error
	}

	// Rolling expiration. A failed refresh costs lifetime, not access.
	if err := r.sessions.Refresh(ctx, token); err != nil {
		slog.Warn("session refresh failed", "owner_id", rec.OwnerID, "error", err)
	}

	return &Identity{
		OwnerID:   rec.OwnerID,
		Token:     rec.Token,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Snapshot:  rec.Snapshot,
	}, nil
}
