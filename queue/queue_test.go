package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"timeclock/db"
	"timeclock/models"
)

func newTestQueue(t *testing.T) (*Queue, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := New(store, zap.NewNop().Sugar())
	require.NoError(t, q.Load())
	return q, store
}

func TestEnqueueAssignsIDAndPersists(t *testing.T) {
	q, store := newTestQueue(t)

	a, err := q.Enqueue(models.QueuedAction{
		EmployeeID:  "emp-1",
		Kind:        models.ActionStart,
		Timestamp:   time.Now().UTC(),
		MaxAttempts: 3,
		Attempts:    7, // must be reset
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Zero(t, a.Attempts)
	assert.NotZero(t, a.Seq)

	persisted, err := store.AllActions()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, a.ID, persisted[0].ID)
	assert.Equal(t, 1, q.Len())
}

func TestOnChangeFiresPerMutation(t *testing.T) {
	q, _ := newTestQueue(t)

	var fired int
	q.SetOnChange(func() { fired++ })

	a, err := q.Enqueue(models.QueuedAction{EmployeeID: "e", Kind: models.ActionStart, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.NoError(t, q.RecordAttempt(a.ID, 1))
	assert.Equal(t, 2, fired)

	require.NoError(t, q.Remove(a.ID))
	assert.Equal(t, 3, fired)
}

func TestRecordAttemptPersistsCounter(t *testing.T) {
	q, store := newTestQueue(t)

	a, err := q.Enqueue(models.QueuedAction{EmployeeID: "e", Kind: models.ActionStop, MaxAttempts: 3})
	require.NoError(t, err)

	require.NoError(t, q.RecordAttempt(a.ID, 2))

	persisted, err := store.AllActions()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, 2, persisted[0].Attempts)

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Attempts)
	assert.False(t, snap[0].Exhausted())

	require.NoError(t, q.RecordAttempt(a.ID, 3))
	assert.True(t, q.Snapshot()[0].Exhausted())

	err = q.RecordAttempt("missing", 1)
	assert.Error(t, err)
}

func TestLoadRestoresAppendOrder(t *testing.T) {
	q, store := newTestQueue(t)

	first, err := q.Enqueue(models.QueuedAction{EmployeeID: "e", Kind: models.ActionStart, MaxAttempts: 3})
	require.NoError(t, err)
	second, err := q.Enqueue(models.QueuedAction{EmployeeID: "e", Kind: models.ActionStop, MaxAttempts: 3})
	require.NoError(t, err)

	reloaded := New(store, zap.NewNop().Sugar())
	assert.False(t, reloaded.Loaded())
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Loaded())

	snap := reloaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, first.ID, snap[0].ID)
	assert.Equal(t, second.ID, snap[1].ID)
}

func TestStatsSplitsPendingAndFailed(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(models.QueuedAction{EmployeeID: "a", Kind: models.ActionStart, MaxAttempts: 3})
	require.NoError(t, err)
	dead, err := q.Enqueue(models.QueuedAction{EmployeeID: "b", Kind: models.ActionStop, MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, q.RecordAttempt(dead.ID, 3))

	stats := q.Stats()
	assert.Equal(t, models.QueueStats{Total: 2, Pending: 1, Failed: 1}, stats)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, dead.ID, failed[0].ID)
}

func TestClearEmptiesMemoryAndStore(t *testing.T) {
	q, store := newTestQueue(t)

	_, err := q.Enqueue(models.QueuedAction{EmployeeID: "a", Kind: models.ActionStart, MaxAttempts: 3})
	require.NoError(t, err)
	_, err = q.Enqueue(models.QueuedAction{EmployeeID: "b", Kind: models.ActionStop, MaxAttempts: 3})
	require.NoError(t, err)

	require.NoError(t, q.Clear())
	assert.Zero(t, q.Len())

	persisted, err := store.AllActions()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
