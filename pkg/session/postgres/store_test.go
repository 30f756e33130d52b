package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/platform-core/pkg/session"
)

const (
	testTTL   = 30 * time.Minute
	testOwner = "7f8c1d1e-0000-4000-8000-000000000001"
)

var selectColumns = []string{"token", "owner_id", "issued_at", "expires_at", "snapshot"}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Config{TTL: testTTL}), mock
}

func snapshotJSON(t *testing.T, snap session.Snapshot) []byte {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	return data
}

func TestNew_Defaults(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.Equal(t, session.DefaultTTL, store.ttl)
	assert.Equal(t, defaultQueryTimeout, store.queryTimeout)
}

func TestCreate_Success(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), testOwner, "1800 seconds", snapshotJSON(t, session.Snapshot{})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := store.Create(context.Background(), testOwner, session.Snapshot{})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_TokenCollisionRetries(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := store.Create(context.Background(), testOwner, session.Snapshot{})
	require.NoError(t, err, "collisions must be retried, never surfaced")
	assert.NotEmpty(t, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_BackendOutage(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Create(context.Background(), testOwner, session.Snapshot{})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_Found(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	snap := session.Snapshot{ChannelsCount: 2, Fingerprint: "fp"}
	mock.ExpectQuery("SELECT token, owner_id, issued_at, expires_at, snapshot").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("tok-1", testOwner, now, now.Add(testTTL), snapshotJSON(t, snap)))

	rec, err := store.Lookup(context.Background(), "tok-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testOwner, rec.OwnerID)
	assert.Equal(t, 2, rec.Snapshot.ChannelsCount)
	assert.Equal(t, "fp", rec.Snapshot.Fingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	rec, err := store.Lookup(context.Background(), "missing")
	require.NoError(t, err, "a missing token is not an error")
	assert.Nil(t, rec)
}

func TestLookup_CorruptPayloadReadsAsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("tok-1", testOwner, now, now.Add(testTTL), []byte("{not json")))

	rec, err := store.Lookup(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "corrupt payload must not propagate to consumers")
}

func TestLookup_BackendOutage(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT token, owner_id").
		WillReturnError(errors.New("timeout"))

	_, err := store.Lookup(context.Background(), "tok-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
}

func TestRefresh_NeverShortensExpiry(t *testing.T) {
	store, mock := newTestStore(t)

	// GREATEST keeps the stored expiry when it is already further out.
	mock.ExpectExec("GREATEST").
		WithArgs("tok-1", "1800 seconds").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Refresh(context.Background(), "tok-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.Invalidate(context.Background(), "tok-1"),
		"invalidating an absent token is idempotent")
}

func TestInvalidateOwner(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(testOwner).
		WillReturnResult(sqlmock.NewResult(0, 3))

	assert.NoError(t, store.InvalidateOwner(context.Background(), testOwner))
}

func TestListByOwner_SkipsCorruptRows(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs(testOwner).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("tok-1", testOwner, now, now.Add(testTTL), snapshotJSON(t, session.Snapshot{})).
			AddRow("tok-2", testOwner, now, now.Add(testTTL), []byte("garbage")))

	records, err := store.ListByOwner(context.Background(), testOwner)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tok-1", records[0].Token)
}

func TestUpdateSnapshot_FanOut(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs(testOwner).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("tok-1", testOwner, now, now.Add(testTTL), snapshotJSON(t, session.Snapshot{})).
			AddRow("tok-2", testOwner, now, now.Add(testTTL), snapshotJSON(t, session.Snapshot{})))

	want := snapshotJSON(t, session.Snapshot{ChannelsCount: 1})
	mock.ExpectExec("UPDATE sessions").
		WithArgs("tok-1", want).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs("tok-2", want).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.UpdateSnapshot(context.Background(), testOwner, func(s *session.Snapshot) {
		s.ChannelsCount = 1
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSnapshot_PerRecordFailureDoesNotAbortSiblings(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs(testOwner).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("tok-1", testOwner, now, now.Add(testTTL), snapshotJSON(t, session.Snapshot{})).
			AddRow("tok-2", testOwner, now, now.Add(testTTL), snapshotJSON(t, session.Snapshot{})))

	mock.ExpectExec("UPDATE sessions").
		WillReturnError(errors.New("write failed"))
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.UpdateSnapshot(context.Background(), testOwner, func(s *session.Snapshot) {
		s.ChannelsCount = 1
	})
	require.NoError(t, err, "partial fan-out failure must not fail the call")
	assert.Equal(t, 1, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSnapshot_NoLiveSessionsIsNoop(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT token, owner_id").
		WithArgs(testOwner).
		WillReturnRows(sqlmock.NewRows(selectColumns))

	updated, err := store.UpdateSnapshot(context.Background(), testOwner, func(s *session.Snapshot) {
		s.ChannelsCount = 1
	})
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestCleanup(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 7))

	assert.NoError(t, store.Cleanup(context.Background()))
}

func TestClose_WithoutCleanupRoutine(t *testing.T) {
	store, _ := newTestStore(t)
	assert.NoError(t, store.Close())
}
