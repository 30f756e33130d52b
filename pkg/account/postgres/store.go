// Package postgres provides PostgreSQL storage for the authoritative
// account records and their child collections.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/botmesh/platform-core/pkg/account"
)

const defaultQueryTimeout = 5 * time.Second

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// channelColumns lists columns returned by channel SELECT queries.
var channelColumns = []string{
	"id", "owner_id", "kind", "external_id", "display_name",
	"messages_count", "created_at",
}

// Store implements account.Store using PostgreSQL.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Config configures the PostgreSQL account store.
type Config struct {
	QueryTimeout time.Duration
}

// New creates a new PostgreSQL account store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Store{db: db, queryTimeout: cfg.QueryTimeout}
}

// CreateOwner persists a new owner.
func (s *Store) CreateOwner(ctx context.Context, o *account.Owner) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	query := `
		INSERT INTO owners (id, email, name, channels_count, devices_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query,
		o.ID, o.Email, o.Name, o.ChannelsCount, o.DevicesCount); err != nil {
		return fmt.Errorf("inserting owner: %w", err)
	}
	return nil
}

// GetOwner returns the owner by ID, or nil, nil when absent.
func (s *Store) GetOwner(ctx context.Context, id string) (*account.Owner, error) {
	query := `
		SELECT id, email, name, channels_count, devices_count, created_at, updated_at
		FROM owners
		WHERE id = $1
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var o account.Owner
	err := s.db.QueryRowContext(opCtx, query, id).
		Scan(&o.ID, &o.Email, &o.Name, &o.ChannelsCount, &o.DevicesCount, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store contract: nil,nil for absent owner
	}
	if err != nil {
		return nil, fmt.Errorf("selecting owner: %w", err)
	}
	return &o, nil
}

// AddChannel appends a channel to the owner's collection.
func (s *Store) AddChannel(ctx context.Context, ch *account.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}

	query := `
		INSERT INTO channels (id, owner_id, kind, external_id, display_name, messages_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query,
		ch.ID, ch.OwnerID, ch.Kind, ch.ExternalID, ch.DisplayName, ch.MessagesCount); err != nil {
		return fmt.Errorf("inserting channel: %w", err)
	}
	return nil
}

// UpdateChannel overwrites mutable channel fields by channel ID.
func (s *Store) UpdateChannel(ctx context.Context, ch *account.Channel) error {
	query := `
		UPDATE channels
		SET display_name = $2, messages_count = $3
		WHERE id = $1
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query, ch.ID, ch.DisplayName, ch.MessagesCount); err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// RemoveChannel deletes the owner's channel with the given external ID.
func (s *Store) RemoveChannel(ctx context.Context, ownerID, externalID string) error {
	query := `DELETE FROM channels WHERE owner_id = $1 AND external_id = $2`

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query, ownerID, externalID); err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return nil
}

// ListChannels returns the owner's channels matching filter, ordered by
// creation time.
func (s *Store) ListChannels(ctx context.Context, ownerID string, filter account.ChannelFilter) ([]*account.Channel, error) {
	qb := psq.Select(channelColumns...).
		From("channels").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at ASC")
	qb = applyChannelFilter(qb, filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building channel query: %w", err)
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*account.Channel
	for rows.Next() {
		var ch account.Channel
		if err := rows.Scan(&ch.ID, &ch.OwnerID, &ch.Kind, &ch.ExternalID,
			&ch.DisplayName, &ch.MessagesCount, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// AddDevice appends a device to the owner's collection.
func (s *Store) AddDevice(ctx context.Context, d *account.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	query := `
		INSERT INTO devices (id, owner_id, fingerprint, kind, name, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, query,
		d.ID, d.OwnerID, d.Fingerprint, d.Kind, d.Name); err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// ListDevices returns the owner's devices ordered by creation time.
func (s *Store) ListDevices(ctx context.Context, ownerID string) ([]*account.Device, error) {
	query := `
		SELECT id, owner_id, fingerprint, kind, name, last_seen_at, created_at
		FROM devices
		WHERE owner_id = $1
		ORDER BY created_at ASC
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*account.Device
	for rows.Next() {
		var d account.Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Fingerprint, &d.Kind,
			&d.Name, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// UpdateCounters writes the recomputed child counts back to the owner. The
// WHERE clause skips the write when both values already match, so re-running
// synchronization with unchanged state touches no rows.
func (s *Store) UpdateCounters(ctx context.Context, ownerID string, channels, devices int) (bool, error) {
	query := `
		UPDATE owners
		SET channels_count = $2, devices_count = $3, updated_at = NOW()
		WHERE id = $1
		  AND (channels_count IS DISTINCT FROM $2 OR devices_count IS DISTINCT FROM $3)
	`
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(opCtx, query, ownerID, channels, devices)
	if err != nil {
		return false, fmt.Errorf("updating owner counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading counter update result: %w", err)
	}
	return n > 0, nil
}

// applyChannelFilter adds filter conditions to a SELECT builder.
func applyChannelFilter(qb sq.SelectBuilder, filter account.ChannelFilter) sq.SelectBuilder {
	if filter.Kind != "" {
		qb = qb.Where(sq.Eq{"kind": filter.Kind})
	}
	if filter.ExternalID != "" {
		qb = qb.Where(sq.Eq{"external_id": filter.ExternalID})
	}
	if filter.Limit > 0 {
		qb = qb.Limit(filter.Limit)
	}
	return qb
}

// opCtx bounds a single backing-store call.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Verify interface compliance.
var _ account.Store = (*Store)(nil)
