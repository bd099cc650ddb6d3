// Package queue is the durable action queue: the write side of the
// offline-first contract. Every start/stop lands here before anything is
// attempted against the network, and leaves only on confirmed remote
// success.
package queue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"timeclock/db"
	"timeclock/models"
)

// Queue keeps the in-memory append-ordered action list in step with the
// durable store. The list is flat across employees; the drainer imposes
// per-employee chronological ordering at replay time.
type Queue struct {
	store *db.Store
	log   *zap.SugaredLogger

	mu      sync.Mutex
	actions []models.QueuedAction
	loaded  bool

	onChange func() // fired after every mutation, outside the lock
}

// New creates an empty queue backed by the store. Load must run before
// the drainer is allowed to execute.
func New(store *db.Store, log *zap.SugaredLogger) *Queue {
	return &Queue{store: store, log: log}
}

// SetOnChange registers the length-change callback the scheduler uses as
// a drain trigger. Must be called before the queue is shared.
func (q *Queue) SetOnChange(fn func()) {
	q.onChange = fn
}

// Load hydrates the in-memory list from the durable store.
func (q *Queue) Load() error {
	actions, err := q.store.AllActions()
	if err != nil {
		return fmt.Errorf("failed to load action queue: %w", err)
	}

	q.mu.Lock()
	q.actions = actions
	q.loaded = true
	q.mu.Unlock()

	q.log.Infow("action queue loaded", "actions", len(actions))
	return nil
}

// Loaded reports whether Load has completed.
func (q *Queue) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Enqueue assigns an id, zeroes the attempt counter, persists the action
// and appends it to the in-memory list. Returns once durably persisted.
func (q *Queue) Enqueue(a models.QueuedAction) (models.QueuedAction, error) {
	a.ID = uuid.NewString()
	a.Attempts = 0
	a.Seq = 0 // assigned by the store

	if err := q.store.PutAction(&a); err != nil {
		return models.QueuedAction{}, fmt.Errorf("failed to enqueue %s for %s: %w", a.Kind, a.EmployeeID, err)
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	q.mu.Unlock()

	q.log.Infow("action queued",
		"id", a.ID,
		"employee", a.EmployeeID,
		"kind", a.Kind,
		"activity", a.ActivityID)
	q.notify()
	return a, nil
}

// Remove deletes an action from memory and store. Used only after a
// confirmed remote success.
func (q *Queue) Remove(id string) error {
	if err := q.store.DeleteAction(id); err != nil {
		return err
	}

	q.mu.Lock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.notify()
	return nil
}

// RecordAttempt updates the attempt counter in memory and store. Called
// after a failed remote call.
func (q *Queue) RecordAttempt(id string, attempts int) error {
	q.mu.Lock()
	var updated *models.QueuedAction
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].Attempts = attempts
			cp := q.actions[i]
			updated = &cp
			break
		}
	}
	q.mu.Unlock()

	if updated == nil {
		return fmt.Errorf("action %s not found in queue", id)
	}
	if err := q.store.PutAction(updated); err != nil {
		return err
	}

	q.log.Infow("attempt recorded", "id", id, "attempts", attempts, "maxAttempts", updated.MaxAttempts)
	q.notify()
	return nil
}

// Snapshot returns a copy of the queue in append order.
func (q *Queue) Snapshot() []models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedAction, len(q.actions))
	copy(out, q.actions)
	return out
}

// Failed returns the actions that exhausted their retry budget.
func (q *Queue) Failed() []models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueuedAction
	for _, a := range q.actions {
		if a.Exhausted() {
			out = append(out, a)
		}
	}
	return out
}

// Stats summarizes the queue for UI indicators.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := models.QueueStats{Total: len(q.actions)}
	for _, a := range q.actions {
		if a.Exhausted() {
			stats.Failed++
		} else {
			stats.Pending++
		}
	}
	return stats
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Clear removes every queued action. Operator-initiated only; the sync
// engine never calls this.
func (q *Queue) Clear() error {
	if err := q.store.ClearActions(); err != nil {
		return err
	}

	q.mu.Lock()
	n := len(q.actions)
	q.actions = nil
	q.mu.Unlock()

	q.log.Warnw("action queue cleared", "dropped", n)
	q.notify()
	return nil
}

func (q *Queue) notify() {
	if q.onChange != nil {
		q.onChange()
	}
}
