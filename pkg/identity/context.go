package identity

import "context"

// contextKey is a private type for context keys.
type contextKey int

const identityContextKey contextKey = iota

// WithIdentity adds a resolved identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the resolved identity, or nil for unauthenticated
// requests.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}
