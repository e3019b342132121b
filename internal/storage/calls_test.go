package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id, status string, ended time.Time, duration int) CallRecord {
	rec := CallRecord{
		ID:        id,
		CallID:    "call-" + id,
		PeerID:    "bob",
		Direction: "outgoing",
		CallType:  "voice",
		Status:    status,
		Duration:  duration,
		StartedAt: ended.Add(-time.Duration(duration+5) * time.Second),
		EndedAt:   ended,
	}
	if status == "completed" {
		c := ended.Add(-time.Duration(duration) * time.Second)
		rec.ConnectedAt = &c
	}
	return rec
}

func TestInsertAndList(t *testing.T) {
	db := openTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.InsertCall(record("a", "completed", base, 30)))
	require.NoError(t, db.InsertCall(record("b", "missed", base.Add(time.Minute), 0)))
	require.NoError(t, db.InsertCall(record("c", "rejected", base.Add(2*time.Minute), 0)))

	all, err := db.ListCalls(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	a := all[2]
	require.NotNil(t, a.ConnectedAt)
	assert.Equal(t, 30, int(a.EndedAt.Sub(*a.ConnectedAt)/time.Second))
	assert.Equal(t, a.Duration, int(a.EndedAt.Sub(*a.ConnectedAt)/time.Second))
	assert.Nil(t, all[0].ConnectedAt)

	page, err := db.ListCalls(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestInsertRequiresIDs(t *testing.T) {
	db := openTest(t)
	assert.Error(t, db.InsertCall(CallRecord{PeerID: "bob"}))
	assert.Error(t, db.InsertCall(CallRecord{ID: "x"}))
}

func TestStats(t *testing.T) {
	db := openTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []string{"completed", "completed", "missed", "rejected", "cancelled", "failed"} {
		require.NoError(t, db.InsertCall(record(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute), 10)))
	}

	st, err := db.CallStats()
	require.NoError(t, err)
	assert.Equal(t, CallStats{
		Total: 6, Completed: 2, Missed: 1, Rejected: 1, Cancelled: 1, Failed: 1, TotalSeconds: 60,
	}, st)
}

func TestStatsEmpty(t *testing.T) {
	st, err := openTest(t).CallStats()
	require.NoError(t, err)
	assert.Zero(t, st)
}

func TestDeleteCall(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.InsertCall(record("a", "missed", time.Now(), 0)))

	require.NoError(t, db.DeleteCall("a"))
	assert.ErrorIs(t, db.DeleteCall("a"), ErrNotFound)

	_, err := db.GetCall("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	_, err := db.GetMeta("schema")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetMeta("schema", "1"))
	v, err := db.GetMeta("schema")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.InsertCall(record("a", "completed", time.Now(), 5)))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetCall("a")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
}
