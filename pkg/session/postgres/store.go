// Package postgres provides PostgreSQL storage for the session cache.
//
// Tokens are the primary key of the sessions table, so reverse lookup
// (token to owner) is a single index hit rather than a key scan. A btree
// index on owner_id backs per-owner enumeration for fan-out and
// multi-device logout.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/botmesh/platform-core/pkg/session"
)

const (
	defaultQueryTimeout = 5 * time.Second

	// maxTokenAttempts bounds collision retries on insert. Collisions on a
	// 256-bit token mean a broken entropy source, not bad luck.
	maxTokenAttempts = 5
)

// Store implements session.Store using PostgreSQL.
type Store struct {
	db           *sql.DB
	ttl          time.Duration
	queryTimeout time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// Config configures the PostgreSQL session store.
type Config struct {
	// TTL is the session lifetime; zero falls back to session.DefaultTTL.
	TTL time.Duration

	// QueryTimeout bounds every backing-store call. Zero applies a 5s
	// default. Exceeding it classifies as ErrStorageUnavailable.
	QueryTimeout time.Duration
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = session.DefaultTTL
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Store{
		db:           db,
		ttl:          cfg.TTL,
		queryTimeout: cfg.QueryTimeout,
	}
}

// Create issues a fresh token and inserts a record for ownerID. A primary
// key collision regenerates the token and retries without surfacing.
func (s *Store) Create(ctx context.Context, ownerID string, snap session.Snapshot) (string, error) {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %w", err)
	}

	query := `
		INSERT INTO sessions (token, owner_id, issued_at, expires_at, snapshot)
		VALUES ($1, $2, NOW(), NOW() + $3::interval, $4)
	`
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := session.NewToken()
		if err != nil {
			return "", err
		}

		opCtx, cancel := s.opCtx(ctx)
		_, err = s.db.ExecContext(opCtx, query, token, ownerID, s.ttlInterval(), snapJSON)
		cancel()
		if err == nil {
			return token, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return "", session.StorageUnavailable("inserting session", err)
	}
	return "", session.StorageUnavailable("inserting session",
		fmt.Errorf("token collided %d times", maxTokenAttempts))
}

// Lookup resolves a token to its record. Missing and expired tokens return
// nil, nil; a corrupt stored payload is logged and also reads as not found.
func (s *Store) Lookup(ctx context.Context, token string) (*session.Record, error) {
	query := `
		SELECT token, owner_id, issued_at, expires_at, snapshot
		FROM sessions
		WHERE token = $1 AND expires_at > NOW()
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var rec session.Record
	var snapJSON []byte
	err := s.db.QueryRowContext(opCtx, query, token).
		Scan(&rec.Token, &rec.OwnerID, &rec.IssuedAt, &rec.ExpiresAt, &snapJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store contract: nil,nil for missing or expired
	}
	if err != nil {
		return nil, session.StorageUnavailable("looking up session", err)
	}

	if err := json.Unmarshal(snapJSON, &rec.Snapshot); err != nil {
		slog.Warn("session payload corrupt, treating as not found",
			"owner_id", rec.OwnerID, "error", err)
		return nil, nil //nolint:nilnil // corrupt payload reads as not found
	}
	return &rec, nil
}

// Refresh extends expiry by the store TTL from now. GREATEST keeps the
// expiry monotonic when a concurrent refresh already pushed it further out.
func (s *Store) Refresh(ctx context.Context, token string) error {
	query := `
		UPDATE sessions
		SET expires_at = GREATEST(expires_at, NOW() + $2::interval)
		WHERE token = $1 AND expires_at > NOW()
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query, token, s.ttlInterval()); err != nil {
		return session.StorageUnavailable("refreshing session", err)
	}
	return nil
}

// Invalidate removes the record for token. Removing an absent token is not
// an error.
func (s *Store) Invalidate(ctx context.Context, token string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		return session.StorageUnavailable("invalidating session", err)
	}
	return nil
}

// InvalidateOwner removes every record for ownerID.
func (s *Store) InvalidateOwner(ctx context.Context, ownerID string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, `DELETE FROM sessions WHERE owner_id = $1`, ownerID); err != nil {
		return session.StorageUnavailable("invalidating owner sessions", err)
	}
	return nil
}

// ListByOwner returns all live records for ownerID via the owner index.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*session.Record, error) {
	query := `
		SELECT token, owner_id, issued_at, expires_at, snapshot
		FROM sessions
		WHERE owner_id = $1 AND expires_at > NOW()
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, query, ownerID)
	if err != nil {
		return nil, session.StorageUnavailable("listing owner sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*session.Record
	for rows.Next() {
		var rec session.Record
		var snapJSON []byte
		if err := rows.Scan(&rec.Token, &rec.OwnerID, &rec.IssuedAt, &rec.ExpiresAt, &snapJSON); err != nil {
			return nil, session.StorageUnavailable("scanning session row", err)
		}
		if err := json.Unmarshal(snapJSON, &rec.Snapshot); err != nil {
			slog.Warn("session payload corrupt, skipping record",
				"owner_id", rec.OwnerID, "error", err)
			continue
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, session.StorageUnavailable("iterating session rows", err)
	}
	return records, nil
}

// UpdateSnapshot applies mutate to every live record for ownerID. A failed
// write on one record is logged and does not abort its siblings.
func (s *Store) UpdateSnapshot(ctx context.Context, ownerID string, mutate func(*session.Snapshot)) (int, error) {
	records, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		UPDATE sessions
		SET snapshot = $2
		WHERE token = $1 AND expires_at > NOW()
	`
	updated := 0
	for _, rec := range records {
		snap := rec.Snapshot.Clone()
		mutate(&snap)

		snapJSON, err := json.Marshal(snap)
		if err != nil {
			slog.Warn("marshaling mutated snapshot failed",
				"owner_id", ownerID, "error", err)
			continue
		}

		opCtx, cancel := s.opCtx(ctx)
		_, err = s.db.ExecContext(opCtx, query, rec.Token, snapJSON)
		cancel()
		if err != nil {
			slog.Warn("session snapshot write failed, continuing fan-out",
				"owner_id", ownerID, "error", err)
			continue
		}
		updated++
	}
	return updated, nil
}

// Cleanup removes expired records. Expiry is enforced lazily on reads; this
// only keeps the table bounded.
func (s *Store) Cleanup(ctx context.Context) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, `DELETE FROM sessions WHERE expires_at <= NOW()`); err != nil {
		return session.StorageUnavailable("cleaning up sessions", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("session cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// opCtx bounds a single backing-store call.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) ttlInterval() string {
	return fmt.Sprintf("%d seconds", int(s.ttl.Seconds()))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
