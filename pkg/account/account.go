// Package account defines the authoritative owner records and their child
// collections. The durable store owns this data; the session cache only ever
// holds projections of it.
package account

import (
	"context"
	"time"
)

// Owner is the authoritative account/workspace record. Counters are
// denormalized from the child collections and written back only by
// synchronization; they are never trusted as inputs.
type Owner struct {
	ID            string
	Email         string
	Name          string
	ChannelsCount int
	DevicesCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Channel is one connected bot channel belonging to an owner.
type Channel struct {
	ID            string
	OwnerID       string
	Kind          string // "telegram", "discord", "slack", ...
	ExternalID    string
	DisplayName   string
	MessagesCount int64
	CreatedAt     time.Time
}

// Device is one registered device belonging to an owner. Fingerprint is the
// stable derived identifier, not raw device attributes.
type Device struct {
	ID          string
	OwnerID     string
	Fingerprint string
	Kind        string
	Name        string
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// ChannelFilter narrows ListChannels results.
type ChannelFilter struct {
	Kind       string
	ExternalID string
	Limit      uint64
}

// Store is the durable system-of-record contract. Reads used by
// synchronization must reflect committed state at call time; callers never
// cache results across requests.
type Store interface {
	// CreateOwner persists a new owner. A missing ID is generated.
	CreateOwner(ctx context.Context, o *Owner) error

	// GetOwner returns the owner by ID, or nil, nil when absent.
	GetOwner(ctx context.Context, id string) (*Owner, error)

	// AddChannel appends a channel to the owner's collection. A missing
	// ID is generated.
	AddChannel(ctx context.Context, ch *Channel) error

	// UpdateChannel overwrites mutable channel fields by channel ID.
	UpdateChannel(ctx context.Context, ch *Channel) error

	// RemoveChannel deletes the owner's channel with the given external
	// ID. Idempotent.
	RemoveChannel(ctx context.Context, ownerID, externalID string) error

	// ListChannels returns the owner's channels matching filter, ordered
	// by creation time.
	ListChannels(ctx context.Context, ownerID string, filter ChannelFilter) ([]*Channel, error)

	// AddDevice appends a device to the owner's collection. A missing ID
	// is generated.
	AddDevice(ctx context.Context, d *Device) error

	// ListDevices returns the owner's devices ordered by creation time.
	ListDevices(ctx context.Context, ownerID string) ([]*Device, error)

	// UpdateCounters writes the recomputed child counts back to the
	// owner, skipping the write when both values already match. Returns
	// whether a write happened.
	UpdateCounters(ctx context.Context, ownerID string, channels, devices int) (bool, error)
}
