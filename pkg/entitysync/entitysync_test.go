package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/platform-core/pkg/account"
	"github.com/botmesh/platform-core/pkg/session"
)

type fixture struct {
	accounts *account.MemoryStore
	sessions *session.MemoryStore
	svc      *Service
	owner    *account.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accounts := account.NewMemoryStore()
	sessions := session.NewMemoryStore(0)

	owner := &account.Owner{Email: "u@example.com", Name: "U"}
	require.NoError(t, accounts.CreateOwner(context.Background(), owner))

	return &fixture{
		accounts: accounts,
		sessions: sessions,
		svc:      New(accounts, sessions),
		owner:    owner,
	}
}

func (f *fixture) createSessions(t *testing.T, n int) []string {
	t.Helper()
	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		token, err := f.sessions.Create(context.Background(), f.owner.ID, session.Snapshot{})
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	return tokens
}

func (f *fixture) addChannel(t *testing.T, kind, externalID, name string) {
	t.Helper()
	require.NoError(t, f.accounts.AddChannel(context.Background(), &account.Channel{
		OwnerID: f.owner.ID, Kind: kind, ExternalID: externalID, DisplayName: name,
	}))
}

func (f *fixture) snapshotJSON(t *testing.T, token string) []byte {
	t.Helper()
	rec, err := f.sessions.Lookup(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, rec)
	data, err := json.Marshal(rec.Snapshot)
	require.NoError(t, err)
	return data
}

func TestSync_FanOutUpdatesAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := f.createSessions(t, 3)

	f.addChannel(t, "telegram", "bot-a", "Bot A")

	res, err := f.svc.Sync(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChannelsCount)
	assert.True(t, res.CountersChanged)
	assert.Equal(t, 3, res.SessionsUpdated)

	for _, token := range tokens {
		rec, err := f.sessions.Lookup(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 1, rec.Snapshot.ChannelsCount)
		require.Len(t, rec.Snapshot.Channels, 1)
		assert.Equal(t, "Bot A", rec.Snapshot.Channels[0].DisplayName)
	}
}

func TestSync_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := f.createSessions(t, 2)
	f.addChannel(t, "telegram", "bot-a", "Bot A")

	res, err := f.svc.Sync(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.True(t, res.CountersChanged)

	first := make(map[string][]byte)
	for _, token := range tokens {
		first[token] = f.snapshotJSON(t, token)
	}

	res, err = f.svc.Sync(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.False(t, res.CountersChanged, "unchanged state must not rewrite counters")

	for _, token := range tokens {
		assert.Equal(t, first[token], f.snapshotJSON(t, token),
			"re-running sync with unchanged state must produce byte-identical snapshots")
	}
}

func TestSync_ConvergesRegardlessOfMutationOrder(t *testing.T) {
	ctx := context.Background()

	// Same committed mutations, different relative order to an unrelated
	// channel: the recomputed final state must match.
	finalCount := func(t *testing.T, ops []func(f *fixture)) int {
		f := newFixture(t)
		f.createSessions(t, 1)
		for _, op := range ops {
			op(f)
			_, err := f.svc.Sync(ctx, f.owner.ID)
			require.NoError(t, err)
		}
		owner, err := f.accounts.GetOwner(ctx, f.owner.ID)
		require.NoError(t, err)
		return owner.ChannelsCount
	}

	addA := func(f *fixture) { f.addChannel(t, "telegram", "bot-a", "Bot A") }
	removeA := func(f *fixture) {
		require.NoError(t, f.accounts.RemoveChannel(ctx, f.owner.ID, "bot-a"))
	}
	addOther := func(f *fixture) { f.addChannel(t, "discord", "bot-x", "Bot X") }

	a := finalCount(t, []func(f *fixture){addA, removeA, addOther})
	b := finalCount(t, []func(f *fixture){addA, addOther, removeA})
	c := finalCount(t, []func(f *fixture){addOther, addA, removeA})

	assert.Equal(t, 1, a)
	assert.Equal(t, a, b)
	assert.Equal(t, b, c)
}

func TestSync_AddThenRemoveScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := f.createSessions(t, 2)

	// Owner starts with zero channels.
	for _, token := range tokens {
		rec, err := f.sessions.Lookup(ctx, token)
		require.NoError(t, err)
		assert.Zero(t, rec.Snapshot.ChannelsCount)
	}

	f.addChannel(t, "telegram", "bot-a", "BotA")
	_, err := f.svc.HandleMutation(ctx, MutationEvent{OwnerID: f.owner.ID, Kind: ChannelAdded})
	require.NoError(t, err)

	for _, token := range tokens {
		rec, err := f.sessions.Lookup(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Snapshot.ChannelsCount)
		require.Len(t, rec.Snapshot.Channels, 1)
		assert.Equal(t, "BotA", rec.Snapshot.Channels[0].DisplayName)
	}

	require.NoError(t, f.accounts.RemoveChannel(ctx, f.owner.ID, "bot-a"))
	_, err = f.svc.HandleMutation(ctx, MutationEvent{OwnerID: f.owner.ID, Kind: ChannelRemoved})
	require.NoError(t, err)

	for _, token := range tokens {
		rec, err := f.sessions.Lookup(ctx, token)
		require.NoError(t, err)
		assert.Zero(t, rec.Snapshot.ChannelsCount)
		assert.Empty(t, rec.Snapshot.Channels)
	}
}

func TestSync_PreservesUnrelatedSnapshotFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.sessions.Create(ctx, f.owner.ID, session.Snapshot{Fingerprint: "fp-device"})
	require.NoError(t, err)

	f.addChannel(t, "telegram", "bot-a", "Bot A")
	_, err = f.svc.Sync(ctx, f.owner.ID)
	require.NoError(t, err)

	rec, err := f.sessions.Lookup(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "fp-device", rec.Snapshot.Fingerprint,
		"fan-out is a field-level merge, not a payload replacement")
}

func TestSync_DeviceCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.createSessions(t, 1)[0]

	require.NoError(t, f.accounts.AddDevice(ctx, &account.Device{
		OwnerID: f.owner.ID, Fingerprint: "fp-1",
	}))

	res, err := f.svc.HandleMutation(ctx, MutationEvent{OwnerID: f.owner.ID, Kind: DeviceAdded})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DevicesCount)

	rec, err := f.sessions.Lookup(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Snapshot.DevicesCount)
}

func TestSync_NoLiveSessionsStillUpdatesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChannel(t, "telegram", "bot-a", "Bot A")

	res, err := f.svc.Sync(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.True(t, res.CountersChanged)
	assert.Zero(t, res.SessionsUpdated)
}

// failingCounters wraps a store so counter writes always fail.
type failingCounters struct {
	account.Store
}

func (failingCounters) UpdateCounters(context.Context, string, int, int) (bool, error) {
	return false, errors.New("disk full")
}

func TestSync_CounterWriteFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	svc := New(failingCounters{f.accounts}, f.sessions)

	_, err := svc.Sync(context.Background(), f.owner.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing owner counters")
}

// failingFanout wraps a store so snapshot fan-out always fails.
type failingFanout struct {
	session.Store
}

func (failingFanout) UpdateSnapshot(context.Context, string, func(*session.Snapshot)) (int, error) {
	return 0, session.StorageUnavailable("updating snapshots", errors.New("down"))
}

func TestSync_FanOutFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, "telegram", "bot-a", "Bot A")
	svc := New(f.accounts, failingFanout{f.sessions})

	res, err := svc.Sync(context.Background(), f.owner.ID)
	require.NoError(t, err, "the cache is derived; its outage must not fail the mutation")
	assert.Equal(t, 1, res.ChannelsCount)
	assert.Zero(t, res.SessionsUpdated)
}

func TestHandleMutation_MissingOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleMutation(context.Background(), MutationEvent{Kind: ChannelAdded})
	assert.Error(t, err)
}

func TestBuildSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addChannel(t, "telegram", "bot-a", "Bot A")
	require.NoError(t, f.accounts.AddDevice(ctx, &account.Device{
		OwnerID: f.owner.ID, Fingerprint: "fp-1",
	}))

	snap, err := f.svc.BuildSnapshot(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ChannelsCount)
	assert.Equal(t, 1, snap.DevicesCount)
	require.Len(t, snap.Channels, 1)
	assert.Equal(t, "bot-a", snap.Channels[0].ExternalID)
}
