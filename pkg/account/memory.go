package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps, for tests and
// single-instance development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	owners   map[string]*Owner
	channels map[string][]*Channel // keyed by owner ID
	devices  map[string][]*Device  // keyed by owner ID
}

// NewMemoryStore creates an in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:   make(map[string]*Owner),
		channels: make(map[string][]*Channel),
		devices:  make(map[string][]*Device),
	}
}

// CreateOwner persists a new owner.
func (s *MemoryStore) CreateOwner(_ context.Context, o *Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	cp := *o
	s.owners[o.ID] = &cp
	return nil
}

// GetOwner returns a copy of the owner, or nil, nil when absent.
func (s *MemoryStore) GetOwner(_ context.Context, id string) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.owners[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store contract: nil,nil for absent owner
	}
	cp := *o
	return &cp, nil
}

// AddChannel appends a channel to the owner's collection.
func (s *MemoryStore) AddChannel(_ context.Context, ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = time.Now()
	cp := *ch
	s.channels[ch.OwnerID] = append(s.channels[ch.OwnerID], &cp)
	return nil
}

// UpdateChannel overwrites mutable channel fields by channel ID.
func (s *MemoryStore) UpdateChannel(_ context.Context, ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.channels[ch.OwnerID] {
		if existing.ID == ch.ID {
			existing.DisplayName = ch.DisplayName
			existing.MessagesCount = ch.MessagesCount
			return nil
		}
	}
	return nil
}

// RemoveChannel deletes the owner's channel with the given external ID.
func (s *MemoryStore) RemoveChannel(_ context.Context, ownerID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.channels[ownerID]
	out := list[:0]
	for _, ch := range list {
		if ch.ExternalID != externalID {
			out = append(out, ch)
		}
	}
	s.channels[ownerID] = out
	return nil
}

// ListChannels returns the owner's channels matching filter.
func (s *MemoryStore) ListChannels(_ context.Context, ownerID string, filter ChannelFilter) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Channel
	for _, ch := range s.channels[ownerID] {
		if filter.Kind != "" && ch.Kind != filter.Kind {
			continue
		}
		if filter.ExternalID != "" && ch.ExternalID != filter.ExternalID {
			continue
		}
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && uint64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AddDevice appends a device to the owner's collection.
func (s *MemoryStore) AddDevice(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt = now
	if d.LastSeenAt.IsZero() {
		d.LastSeenAt = now
	}
	cp := *d
	s.devices[d.OwnerID] = append(s.devices[d.OwnerID], &cp)
	return nil
}

// ListDevices returns the owner's devices.
func (s *MemoryStore) ListDevices(_ context.Context, ownerID string) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.devices[ownerID]))
	for _, d := range s.devices[ownerID] {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateCounters writes recomputed counts back, skipping unchanged values.
func (s *MemoryStore) UpdateCounters(_ context.Context, ownerID string, channels, devices int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[ownerID]
	if !ok {
		return false, nil
	}
	if o.ChannelsCount == channels && o.DevicesCount == devices {
		return false, nil
	}
	o.ChannelsCount = channels
	o.DevicesCount = devices
	o.UpdatedAt = time.Now()
	return true, nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
