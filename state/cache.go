// Package state owns the employee state cache, the single source of
// truth for "is employee X at work". All UI reads are answered from
// memory; every mutation is written through to the durable store before
// it is considered committed.
package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeclock/db"
	"timeclock/events"
	"timeclock/models"
)

// Cache is the in-memory employee map, hydrated from the store at
// startup. Upsert is the only legal mutation path.
type Cache struct {
	store    *db.Store
	dispatch events.Dispatcher
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	employees map[string]models.EmployeeState
}

// NewCache creates an empty cache. Call Hydrate before serving reads.
func NewCache(store *db.Store, dispatch events.Dispatcher, log *zap.SugaredLogger) *Cache {
	return &Cache{
		store:     store,
		dispatch:  dispatch,
		log:       log,
		employees: make(map[string]models.EmployeeState),
	}
}

// Hydrate loads the full employee collection into memory and returns the
// record count. Zero records is the first-run condition.
func (c *Cache) Hydrate() (int, error) {
	list, err := c.store.AllEmployees()
	if err != nil {
		return 0, fmt.Errorf("failed to hydrate employee cache: %w", err)
	}

	c.mu.Lock()
	c.employees = make(map[string]models.EmployeeState, len(list))
	for _, e := range list {
		c.employees[e.EmployeeID] = e
	}
	n := len(c.employees)
	c.mu.Unlock()

	c.log.Infow("employee cache hydrated", "employees", n)
	return n, nil
}

// Get returns the state for one employee.
func (c *Cache) Get(employeeID string) (models.EmployeeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.employees[employeeID]
	return e, ok
}

// GetByTag resolves an NFC tag to an employee. Linear scan; the catalog
// is kiosk-scale, tens to low hundreds of entries.
func (c *Cache) GetByTag(tagID string) (models.EmployeeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.employees {
		if e.TagID == tagID {
			return e, true
		}
	}
	return models.EmployeeState{}, false
}

// All returns a copy of every cached employee state.
func (c *Cache) All() []models.EmployeeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.EmployeeState, 0, len(c.employees))
	for _, e := range c.employees {
		out = append(out, e)
	}
	return out
}

// AtWork returns the employees currently at work.
func (c *Cache) AtWork() []models.EmployeeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.EmployeeState
	for _, e := range c.employees {
		if e.IsAtWork {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of cached employees.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.employees)
}

// Upsert merges a partial update into an existing employee, bumps the
// version, stamps the local-action time and writes through to the store.
// The mutation is committed only once the durable write succeeded.
func (c *Cache) Upsert(employeeID string, patch models.StatePatch) (models.EmployeeState, error) {
	c.mu.Lock()
	current, ok := c.employees[employeeID]
	if !ok {
		c.mu.Unlock()
		return models.EmployeeState{}, fmt.Errorf("cannot update unknown employee %s", employeeID)
	}

	updated := applyPatch(current, patch)
	updated.Version = current.Version + 1
	updated.LastLocalActionTime = time.Now().UTC()

	if err := c.store.PutEmployee(&updated); err != nil {
		c.mu.Unlock()
		return models.EmployeeState{}, err
	}
	c.employees[employeeID] = updated
	c.mu.Unlock()

	c.dispatch.Dispatch(events.Event{Type: events.EventStateChanged, Data: updated})
	return updated, nil
}

// Insert adds a new employee. Refuses to overwrite an existing record so
// catalog growth can never clobber local attendance state.
func (c *Cache) Insert(e models.EmployeeState) error {
	c.mu.Lock()
	if _, exists := c.employees[e.EmployeeID]; exists {
		c.mu.Unlock()
		c.log.Warnw("insert refused, employee exists", "employee", e.EmployeeID)
		return nil
	}

	if err := c.store.PutEmployee(&e); err != nil {
		c.mu.Unlock()
		return err
	}
	c.employees[e.EmployeeID] = e
	c.mu.Unlock()

	c.log.Infow("employee added", "employee", e.EmployeeID, "name", e.FullName)
	c.dispatch.Dispatch(events.Event{Type: events.EventStateChanged, Data: e})
	return nil
}

// SeedAll bulk-writes the first-run employee set and replaces the map.
func (c *Cache) SeedAll(list []models.EmployeeState) error {
	if err := c.store.PutEmployees(list); err != nil {
		return err
	}

	c.mu.Lock()
	c.employees = make(map[string]models.EmployeeState, len(list))
	for _, e := range list {
		c.employees[e.EmployeeID] = e
	}
	c.mu.Unlock()
	return nil
}

// Flush empties the in-memory map after a local-data reset.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.employees = make(map[string]models.EmployeeState)
	c.mu.Unlock()
}

func applyPatch(e models.EmployeeState, p models.StatePatch) models.EmployeeState {
	if p.FullName != nil {
		e.FullName = *p.FullName
	}
	if p.ReportsActivity != nil {
		e.ReportsActivity = *p.ReportsActivity
	}
	if p.TagID != nil {
		e.TagID = *p.TagID
	}
	if p.IsAtWork != nil {
		e.IsAtWork = *p.IsAtWork
	}
	if p.LastLocalAction != nil {
		e.LastLocalAction = *p.LastLocalAction
	}
	if p.SetAttendanceStart {
		e.AttendanceStart = p.AttendanceStart
	}
	if p.SetAttendanceRecordID {
		e.AttendanceRecordID = p.AttendanceRecordID
	}
	return e
}
