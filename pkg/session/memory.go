package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. It exists for tests
// and single-instance development runs; production deployments share the
// PostgreSQL store across instances.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byOwner map[string]map[string]struct{}
	ttl     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates an in-memory session store. A zero ttl falls back
// to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		records: make(map[string]*Record),
		byOwner: make(map[string]map[string]struct{}),
		ttl:     ttl,
	}
}

// Create issues a fresh token and stores a record for ownerID.
func (s *MemoryStore) Create(_ context.Context, ownerID string, snap Snapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	for {
		t, err := NewToken()
		if err != nil {
			return "", err
		}
		if _, taken := s.records[t]; !taken {
			token = t
			break
		}
	}

	now := time.Now()
	s.records[token] = &Record{
		Token:     token,
		OwnerID:   ownerID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Snapshot:  snap.Clone(),
	}
	idx, ok := s.byOwner[ownerID]
	if !ok {
		idx = make(map[string]struct{})
		s.byOwner[ownerID] = idx
	}
	idx[token] = struct{}{}
	return token, nil
}

// Lookup resolves token to a copy of its record. Returns nil, nil when the
// token is unknown or expired.
func (s *MemoryStore) Lookup(_ context.Context, token string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[token]
	if !ok || !rec.Live(time.Now()) {
		return nil, nil //nolint:nilnil // Store contract: nil,nil for missing or expired
	}
	out := *rec
	out.Snapshot = rec.Snapshot.Clone()
	return &out, nil
}

// Refresh extends the record's expiry; it never moves expiry backwards.
func (s *MemoryStore) Refresh(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return nil
	}
	now := time.Now()
	if !rec.Live(now) {
		return nil
	}
	if next := now.Add(s.ttl); next.After(rec.ExpiresAt) {
		rec.ExpiresAt = next
	}
	return nil
}

// Invalidate removes the record for token.
func (s *MemoryStore) Invalidate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(token)
	return nil
}

// InvalidateOwner removes every record for ownerID.
func (s *MemoryStore) InvalidateOwner(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token := range s.byOwner[ownerID] {
		s.remove(token)
	}
	return nil
}

// ListByOwner returns copies of all live records for ownerID.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*Record
	for token := range s.byOwner[ownerID] {
		rec := s.records[token]
		if rec == nil || !rec.Live(now) {
			continue
		}
		cp := *rec
		cp.Snapshot = rec.Snapshot.Clone()
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateSnapshot applies mutate to every live record for ownerID.
func (s *MemoryStore) UpdateSnapshot(_ context.Context, ownerID string, mutate func(*Snapshot)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	updated := 0
	for token := range s.byOwner[ownerID] {
		rec := s.records[token]
		if rec == nil || !rec.Live(now) {
			continue
		}
		snap := rec.Snapshot.Clone()
		mutate(&snap)
		rec.Snapshot = snap
		updated++
	}
	return updated, nil
}

// Cleanup removes expired records.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for token, rec := range s.records {
		if !rec.Live(now) {
			s.remove(token)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called. Lookups do
// not depend on it; expiry is enforced lazily on every read.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
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
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// remove drops a record and its owner-index entry. Caller holds the lock.
func (s *MemoryStore) remove(token string) {
	rec, ok := s.records[token]
	if !ok {
		return
	}
	delete(s.records, token)
	if idx := s.byOwner[rec.OwnerID]; idx != nil {
		delete(idx, token)
		if len(idx) == 0 {
			delete(s.byOwner, rec.OwnerID)
		}
	}
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
