package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"timeclock/api"
	"timeclock/config"
	"timeclock/db"
	"timeclock/events"
	"timeclock/metrics"
	"timeclock/models"
	"timeclock/queue"
	"timeclock/state"
)

// attendanceCall is one recorded write against the fake remote.
type attendanceCall struct {
	Action         string `json:"action"`
	AttendanceData struct {
		AttendanceID    string `json:"attendanceID"`
		EmployeeID      string `json:"employeeID"`
		AttendanceStart string `json:"attendanceStart"`
		AttendanceEnd   string `json:"attendanceEnd"`
		ActivityID      string `json:"activityID"`
	} `json:"attendanceData"`
}

// fakeRemote records attendance writes and hands out record ids. A
// non-zero failStatus makes every call answer with that status.
type fakeRemote struct {
	mu         sync.Mutex
	calls      []attendanceCall
	nextID     int
	failStatus int

	server *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/attendance" {
			http.NotFound(w, r)
			return
		}

		var call attendanceCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failStatus != 0 {
			http.Error(w, "induced failure", f.failStatus)
			return
		}
		f.calls = append(f.calls, call)

		if call.Action == "create" {
			f.nextID++
			fmt.Fprintf(w, `{"attendanceID":"rec-%d"}`, f.nextID)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) setFailStatus(status int) {
	f.mu.Lock()
	f.failStatus = status
	f.mu.Unlock()
}

func (f *fakeRemote) recorded() []attendanceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]attendanceCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// harness bundles a drainer with its real queue, cache and store.
type harness struct {
	drainer *Drainer
	queue   *queue.Queue
	cache   *state.Cache
	remote  *fakeRemote
}

func newHarness(t *testing.T, employees ...models.EmployeeState) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "drainer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zap.NewNop().Sugar()
	remote := newFakeRemote(t)
	client := api.NewClient(config.APIConfig{
		BaseURL:        remote.server.URL,
		CatalogPath:    "/api/initial-data",
		AttendancePath: "/api/attendance",
		CatalogTimeout: 3 * time.Second,
		RequestTimeout: 3 * time.Second,
	}, log)

	cache := state.NewCache(store, events.NopDispatcher{}, log)
	if len(employees) > 0 {
		require.NoError(t, cache.SeedAll(employees))
	}
	q := queue.New(store, log)
	require.NoError(t, q.Load())

	m := metrics.New(prometheus.NewRegistry())
	return &harness{
		drainer: NewDrainer(q, cache, client, m, log),
		queue:   q,
		cache:   cache,
		remote:  remote,
	}
}

func atWorkEmployee(id string, start time.Time) models.EmployeeState {
	return models.EmployeeState{
		EmployeeID:      id,
		FullName:        "Employee " + id,
		IsAtWork:        true,
		AttendanceStart: &start,
		Version:         1,
	}
}

func enqueue(t *testing.T, q *queue.Queue, a models.QueuedAction) models.QueuedAction {
	t.Helper()
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	queued, err := q.Enqueue(a)
	require.NoError(t, err)
	return queued
}

func TestDrainEmptyQueue(t *testing.T) {
	h := newHarness(t)
	res := h.drainer.Drain(context.Background())
	assert.Equal(t, Result{}, res)
	assert.Empty(t, h.remote.recorded())
}

func TestDrainLinksStopToStartConfirmedInSamePass(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	stop := start.Add(30 * time.Minute)
	h := newHarness(t, atWorkEmployee("e1", start))

	// Start at 09:00 and stop at 09:30, both recorded offline: the stop
	// has no record id because the start was never confirmed.
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: start,
	})
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: stop,
		AttendanceStart: &start, ActivityID: "act-1",
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, Result{Processed: 2, Resolved: 2}, res)
	assert.Zero(t, h.queue.Len())

	calls := h.remote.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "create", calls[0].Action)
	assert.Equal(t, "e1", calls[0].AttendanceData.EmployeeID)
	assert.Equal(t, "2026-03-09T09:00:00Z", calls[0].AttendanceData.AttendanceStart)
	assert.Empty(t, calls[0].AttendanceData.AttendanceEnd)

	// The stop became an update carrying the id the create just returned.
	assert.Equal(t, "update", calls[1].Action)
	assert.Equal(t, "rec-1", calls[1].AttendanceData.AttendanceID)
	assert.Equal(t, "2026-03-09T09:30:00Z", calls[1].AttendanceData.AttendanceEnd)
	assert.Equal(t, "act-1", calls[1].AttendanceData.ActivityID)

	// A second pass with nothing queued makes no remote calls.
	res = h.drainer.Drain(context.Background())
	assert.Equal(t, Result{}, res)
	assert.Len(t, h.remote.recorded(), 2)
}

func TestDrainReplaysInEventOrderNotEnqueueOrder(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	stop := start.Add(time.Hour)
	h := newHarness(t, atWorkEmployee("e1", start))

	// Enqueued stop-first; physical timestamps must win at replay.
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: stop, AttendanceStart: &start,
	})
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: start,
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 2, res.Resolved)

	calls := h.remote.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "create", calls[0].Action)
	assert.Equal(t, "update", calls[1].Action)
	assert.Equal(t, "rec-1", calls[1].AttendanceData.AttendanceID)
}

func TestDrainStopWithKnownRecordID(t *testing.T) {
	stop := time.Date(2026, 3, 9, 17, 0, 0, 0, time.UTC)
	h := newHarness(t)

	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: stop,
		AttendanceRecordID: "rec-77",
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Resolved)

	calls := h.remote.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].Action)
	assert.Equal(t, "rec-77", calls[0].AttendanceData.AttendanceID)
}

func TestDrainStopFallsBackToFullHistoricalRecord(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	stop := start.Add(8 * time.Hour)
	h := newHarness(t)

	// No record id, no start in the queue (terminal restarted), but the
	// stop carries the captured start time.
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: stop,
		AttendanceStart: &start,
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, h.queue.Len())

	calls := h.remote.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "create", calls[0].Action)
	assert.Equal(t, "2026-03-09T09:00:00Z", calls[0].AttendanceData.AttendanceStart)
	assert.Equal(t, "2026-03-09T17:00:00Z", calls[0].AttendanceData.AttendanceEnd)
}

func TestDrainFlagsUnresolvableStop(t *testing.T) {
	h := newHarness(t)

	// No record id, no pending start, no captured start time: flagged for
	// an operator, never sent, never deleted.
	a := enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: time.Now().UTC(),
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Resolved)
	assert.Empty(t, h.remote.recorded())

	snap := h.queue.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, a.ID, snap[0].ID)
	assert.True(t, snap[0].Exhausted())
}

func TestDrainSkipsExhaustedActions(t *testing.T) {
	h := newHarness(t)

	dead := enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, h.queue.RecordAttempt(dead.ID, 3))

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, h.remote.recorded())
	assert.Equal(t, 1, h.queue.Len())
}

func TestDrainTransientFailureCostsOneAttempt(t *testing.T) {
	h := newHarness(t)
	h.remote.setFailStatus(http.StatusInternalServerError)

	a := enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: time.Now().UTC(),
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Resolved)
	assert.False(t, res.Aborted)

	snap := h.queue.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, a.ID, snap[0].ID)
	assert.Equal(t, 1, snap[0].Attempts)
	assert.False(t, snap[0].Exhausted())
}

func TestDrainPermanentRejectionStaysQueued(t *testing.T) {
	h := newHarness(t)
	h.remote.setFailStatus(http.StatusBadRequest)

	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: time.Now().UTC(),
		AttendanceRecordID: "rec-gone",
	})
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e2", Kind: models.ActionStop, Timestamp: time.Now().UTC(),
		AttendanceRecordID: "rec-gone-too",
	})

	res := h.drainer.Drain(context.Background())
	// Rejections do not abort the pass; both actions got their attempt.
	assert.Equal(t, 2, res.Processed)
	assert.False(t, res.Aborted)

	for _, a := range h.queue.Snapshot() {
		assert.Equal(t, 1, a.Attempts)
	}
}

func TestDrainConnectivityFailureAbortsPass(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	h := newHarness(t)
	h.remote.server.Close()

	first := enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: start,
	})
	second := enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: start.Add(time.Hour),
		AttendanceStart: &start,
	})

	res := h.drainer.Drain(context.Background())
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Resolved)

	// Only the first action paid an attempt; the rest never ran.
	snap := h.queue.Snapshot()
	require.Len(t, snap, 2)
	byID := map[string]models.QueuedAction{snap[0].ID: snap[0], snap[1].ID: snap[1]}
	assert.Equal(t, 1, byID[first.ID].Attempts)
	assert.Zero(t, byID[second.ID].Attempts)
}

func TestDrainRepeatedPassesExhaustAction(t *testing.T) {
	h := newHarness(t)
	h.remote.setFailStatus(http.StatusNotFound)

	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: time.Now().UTC(),
		AttendanceRecordID: "rec-deleted-upstream",
	})

	for i := 0; i < 3; i++ {
		h.drainer.Drain(context.Background())
	}

	snap := h.queue.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].Attempts)
	assert.True(t, snap[0].Exhausted())

	// A further pass only skips it; the flagged action is never deleted.
	res := h.drainer.Drain(context.Background())
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, 1, h.queue.Len())
}

func TestDrainPropagatesRecordIDToCache(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, atWorkEmployee("e1", start))

	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: start,
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Resolved)

	e, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "rec-1", e.AttendanceRecordID)
	assert.True(t, e.IsAtWork)
}

func TestDrainDoesNotPropagateAfterLocalClockOut(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	// Employee already clocked out locally before the start was confirmed.
	h := newHarness(t, models.EmployeeState{EmployeeID: "e1", FullName: "E", Version: 2})

	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStart, Timestamp: start,
	})

	h.drainer.Drain(context.Background())

	e, ok := h.cache.Get("e1")
	require.True(t, ok)
	assert.Empty(t, e.AttendanceRecordID)
	assert.Equal(t, int64(2), e.Version)
}

func TestDrainIsolatesEmployees(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t)

	// e1's stop is unresolvable; e2's start must still go through.
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e1", Kind: models.ActionStop, Timestamp: now,
	})
	enqueue(t, h.queue, models.QueuedAction{
		EmployeeID: "e2", Kind: models.ActionStart, Timestamp: now,
	})

	res := h.drainer.Drain(context.Background())
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, h.queue.Len())

	calls := h.remote.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "e2", calls[0].AttendanceData.EmployeeID)
}
