package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/botmesh/platform-core/pkg/session"
)

// CookieName is the session cookie the transport layer sets at login.
const CookieName = "bm_session"

// Policy decides how an endpoint treats requests without a valid session.
type Policy int

const (
	// PolicyOptional lets unauthenticated requests through; handlers see
	// a nil identity in the context.
	PolicyOptional Policy = iota

	// PolicyRequired rejects requests without a valid session.
	PolicyRequired
)

// Middleware resolves the inbound session token and stores the identity in
// the request context. The policy is per-endpoint: wrap each route with the
// policy it needs rather than configuring one global default.
//
// Failure classes stay distinct: a storage outage answers 503 so clients
// retry, while a missing or expired session answers 401 and renders as a
// logged-out state.
func Middleware(resolver *Resolver, policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				if policy == PolicyRequired {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if errors.Is(err, session.ErrStorageUnavailable) {
					http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if id == nil {
				if policy == PolicyRequired {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireSession returns middleware that rejects unauthenticated requests.
func RequireSession(resolver *Resolver) func(http.Handler) http.Handler {
	return Middleware(resolver, PolicyRequired)
}

// OptionalSession returns middleware that admits anonymous requests.
func OptionalSession(resolver *Resolver) func(http.Handler) http.Handler {
	return Middleware(resolver, PolicyOptional)
}

// ExtractToken pulls the session token from the Authorization header or,
// failing that, the session cookie.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok && after != "" {
		return after
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// SessionCookie builds the cookie the transport layer sets for an issued
// token. Expiry tracks the rolling TTL; the flags keep the token off
// scripts and cross-site requests.
func SessionCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearSessionCookie builds the expired cookie that logs a client out.
func ClearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}
