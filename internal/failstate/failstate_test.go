package failstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boxsync/boxsync/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failstate.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetUnknownStoreIsFailNone(t *testing.T) {
	db := openTestDB(t)
	e, err := db.Get("nosuchstore")
	require.NoError(t, err)
	require.Equal(t, store.FailNone, e.Kind)
}

func TestRecordFailureThenGet(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordFailure("work", store.FailTemp, now, 30*time.Second))

	e, err := db.Get("work")
	require.NoError(t, err)
	require.Equal(t, store.FailTemp, e.Kind)
	require.Equal(t, 1, e.Streak)
	require.True(t, e.RetryAfter.After(now))
}

func TestRecordFailureIncrementsStreak(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordFailure("work", store.FailTemp, now, 30*time.Second))
	require.NoError(t, db.RecordFailure("work", store.FailTemp, now.Add(time.Minute), time.Minute))

	e, err := db.Get("work")
	require.NoError(t, err)
	require.Equal(t, 2, e.Streak)
}

func TestClearRemovesEntry(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.RecordFailure("work", store.FailWait, now, time.Hour))
	require.NoError(t, db.Clear("work"))

	e, err := db.Get("work")
	require.NoError(t, err)
	require.Equal(t, store.FailNone, e.Kind)
}

func TestBackoffEscalatesAndCaps(t *testing.T) {
	require.Equal(t, 30*time.Second, Backoff(store.FailTemp, 1))
	require.Equal(t, 10*time.Minute, Backoff(store.FailTemp, 1000))

	require.Equal(t, 15*time.Minute, Backoff(store.FailWait, 1))
	require.Equal(t, 6*time.Hour, Backoff(store.FailWait, 1000))

	require.Equal(t, 365*24*time.Hour, Backoff(store.FailFinal, 1))
	require.Equal(t, time.Duration(0), Backoff(store.FailNone, 1))
}
