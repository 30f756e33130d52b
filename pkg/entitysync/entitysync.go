// Package entitysync propagates authoritative owner mutations into every
// live session snapshot. Each run recomputes the owner summary from the
// durable child collections rather than applying deltas, so concurrent and
// reordered runs converge on the same final state.
package entitysync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/botmesh/platform-core/pkg/account"
	"github.com/botmesh/platform-core/pkg/session"
)

// Kind identifies the owner mutation that triggered synchronization.
type Kind string

// Mutation kinds emitted by business-operation collaborators after they
// commit a change to the durable store.
const (
	ChannelAdded   Kind = "channel_added"
	ChannelRemoved Kind = "channel_removed"
	ChannelUpdated Kind = "channel_updated"
	DeviceAdded    Kind = "device_added"
)

// MutationEvent announces a committed change to an owner's child
// collections. The payload is informational; synchronization never applies
// it as a delta.
type MutationEvent struct {
	OwnerID string
	Kind    Kind
	Payload map[string]any
}

// Result reports what one synchronization run did. Per-session fan-out
// failures are logged by the session store and reduce SessionsUpdated; they
// never fail the run.
type Result struct {
	ChannelsCount   int
	DevicesCount    int
	CountersChanged bool
	SessionsUpdated int
}

// Service recomputes owner summaries and fans them out to the session cache.
type Service struct {
	accounts account.Store
	sessions session.Store
}

// New creates a synchronization service over the given stores.
func New(accounts account.Store, sessions session.Store) *Service {
	return &Service{accounts: accounts, sessions: sessions}
}

// Sync recomputes the owner's canonical channel and device summary from the
// authoritative collections, writes the counters back only when they
// changed, and merges the summary into every live session snapshot.
//
// An authoritative read or counter write failure is fatal and propagates to
// the caller. Fan-out failures are absorbed: the cache is derived state and
// converges on the next run.
func (s *Service) Sync(ctx context.Context, ownerID string) (Result, error) {
	channels, err := s.accounts.ListChannels(ctx, ownerID, account.ChannelFilter{})
	if err != nil {
		return Result{}, fmt.Errorf("reading authoritative channels: %w", err)
	}
	devices, err := s.accounts.ListDevices(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("reading authoritative devices: %w", err)
	}

	res := Result{
		ChannelsCount: len(channels),
		DevicesCount:  len(devices),
	}

	changed, err := s.accounts.UpdateCounters(ctx, ownerID, res.ChannelsCount, res.DevicesCount)
	if err != nil {
		return Result{}, fmt.Errorf("writing owner counters: %w", err)
	}
	res.CountersChanged = changed

	summary := channelSummaries(channels)
	updated, err := s.sessions.UpdateSnapshot(ctx, ownerID, func(snap *session.Snapshot) {
		snap.ChannelsCount = res.ChannelsCount
		snap.Channels = slices.Clone(summary)
		snap.DevicesCount = res.DevicesCount
	})
	if err != nil {
		slog.Warn("session fan-out skipped, cache will converge on next sync",
			"owner_id", ownerID, "error", err)
		return res, nil
	}
	res.SessionsUpdated = updated
	return res, nil
}

// HandleMutation runs synchronization for the owner named by a committed
// mutation event. The kind and payload only inform logging; state always
// comes from the durable store at execution time.
func (s *Service) HandleMutation(ctx context.Context, ev MutationEvent) (Result, error) {
	if ev.OwnerID == "" {
		return Result{}, fmt.Errorf("mutation event missing owner")
	}

	res, err := s.Sync(ctx, ev.OwnerID)
	if err != nil {
		return Result{}, fmt.Errorf("synchronizing after %s: %w", ev.Kind, err)
	}
	slog.Debug("owner synchronized",
		"owner_id", ev.OwnerID,
		"kind", ev.Kind,
		"channels", res.ChannelsCount,
		"devices", res.DevicesCount,
		"counters_changed", res.CountersChanged,
		"sessions_updated", res.SessionsUpdated)
	return res, nil
}

// BuildSnapshot computes a fresh snapshot for a new session directly from
// the authoritative collections, so a record is never created stale.
func (s *Service) BuildSnapshot(ctx context.Context, ownerID string) (session.Snapshot, error) {
	channels, err := s.accounts.ListChannels(ctx, ownerID, account.ChannelFilter{})
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("reading authoritative channels: %w", err)
	}
	devices, err := s.accounts.ListDevices(ctx, ownerID)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("reading authoritative devices: %w", err)
	}
	return session.Snapshot{
		ChannelsCount: len(channels),
		Channels:      channelSummaries(channels),
		DevicesCount:  len(devices),
	}, nil
}

// channelSummaries projects channels into snapshot form, keeping the store's
// creation-time ordering so repeated runs produce identical payloads.
func channelSummaries(channels []*account.Channel) []session.ChannelSummary {
	if len(channels) == 0 {
		return nil
	}
	out := make([]session.ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		out = append(out, session.ChannelSummary{
			Kind:        ch.Kind,
			ExternalID:  ch.ExternalID,
			DisplayName: ch.DisplayName,
		})
	}
	return out
}
