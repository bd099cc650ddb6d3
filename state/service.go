package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeclock/api"
	"timeclock/db"
	"timeclock/models"
	"timeclock/queue"
)

// Sentinel errors surfaced to the UI layer.
var (
	ErrUnknownEmployee = errors.New("employee not in local database")
	ErrAlreadyAtWork   = errors.New("employee is already at work")
	ErrNotAtWork       = errors.New("employee is not at work")

	// ErrFirstRunOffline is the fatal first-run condition: no cached
	// employees and no connectivity to fetch them.
	ErrFirstRunOffline = errors.New("first run requires a working connection to the attendance API")
)

// Service is the UI-facing mutation API on top of the cache and the
// action queue, plus the metadata sync that keeps names, flags and the
// activity catalog fresh without ever touching attendance fields.
type Service struct {
	cache       *Cache
	queue       *queue.Queue
	store       *db.Store
	client      *api.Client
	log         *zap.SugaredLogger
	maxAttempts int

	mu         sync.RWMutex
	activities []models.Activity
	lastSync   time.Time
}

// NewService wires the mutation API together.
func NewService(cache *Cache, q *queue.Queue, store *db.Store, client *api.Client, maxAttempts int, log *zap.SugaredLogger) *Service {
	return &Service{
		cache:       cache,
		queue:       q,
		store:       store,
		client:      client,
		log:         log,
		maxAttempts: maxAttempts,
	}
}

// Cache exposes the underlying employee cache for read paths.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Bootstrap brings the terminal up cache-first: hydrate from the store
// and start instantly when records exist; on first run block on the
// network fetch, and fail hard when offline because there is no cache
// to fall back to.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.cache.Hydrate()
	if err != nil {
		return err
	}

	if count == 0 {
		s.log.Info("no cached employees, first run: fetching catalog")
		catalog, err := s.client.FetchCatalog(ctx)
		if err != nil {
			if api.IsConnectivity(err) {
				return fmt.Errorf("%w: %v", ErrFirstRunOffline, err)
			}
			return fmt.Errorf("first-run catalog fetch failed: %w", err)
		}
		if err := s.seedFromCatalog(catalog); err != nil {
			return err
		}
		s.log.Infow("first-run initialization complete", "employees", s.cache.Len())
		return nil
	}

	// Warm start: restore the cached activity catalog and sync marker.
	if raw, err := s.store.GetMetadata(db.MetaCachedActivities); err != nil {
		return err
	} else if raw != "" {
		var activities []models.Activity
		if err := json.Unmarshal([]byte(raw), &activities); err != nil {
			s.log.Warnw("cached activity catalog unreadable, will refresh on next sync", "error", err)
		} else {
			s.setActivities(activities)
		}
	}
	if raw, err := s.store.GetMetadata(db.MetaLastFullSync); err == nil && raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			s.mu.Lock()
			s.lastSync = t
			s.mu.Unlock()
		}
	}

	s.log.Infow("terminal started from cache", "employees", count, "activities", len(s.Activities()))
	return nil
}

// StartWork records a shift start: instant local mutation, then a durable
// queue entry. No network on this path.
func (s *Service) StartWork(employeeID string) error {
	current, ok := s.cache.Get(employeeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEmployee, employeeID)
	}
	if current.IsAtWork {
		return fmt.Errorf("%w: %s", ErrAlreadyAtWork, current.FullName)
	}

	now := time.Now().UTC()
	atWork := true
	kind := models.ActionStart
	_, err := s.cache.Upsert(employeeID, models.StatePatch{
		IsAtWork:              &atWork,
		LastLocalAction:       &kind,
		AttendanceStart:       &now,
		SetAttendanceStart:    true,
		AttendanceRecordID:    "", // filled in once the remote confirms
		SetAttendanceRecordID: true,
	})
	if err != nil {
		return err
	}

	_, err = s.queue.Enqueue(models.QueuedAction{
		EmployeeID:  employeeID,
		Kind:        models.ActionStart,
		Timestamp:   now,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return err
	}

	s.log.Infow("shift started locally", "employee", employeeID, "name", current.FullName)
	return nil
}

// StopWork records a shift stop. The queued action captures the record id
// and original start time before the local state is cleared; the drainer
// needs them when the paired start never got its remote confirmation.
func (s *Service) StopWork(employeeID, activityID string) error {
	current, ok := s.cache.Get(employeeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEmployee, employeeID)
	}
	if !current.IsAtWork {
		return fmt.Errorf("%w: %s", ErrNotAtWork, current.FullName)
	}

	now := time.Now().UTC()

	// Queue first, with the values about to be cleared.
	_, err := s.queue.Enqueue(models.QueuedAction{
		EmployeeID:         employeeID,
		Kind:               models.ActionStop,
		Timestamp:          now,
		MaxAttempts:        s.maxAttempts,
		AttendanceRecordID: current.AttendanceRecordID,
		AttendanceStart:    current.AttendanceStart,
		ActivityID:         activityID,
	})
	if err != nil {
		return err
	}

	atWork := false
	kind := models.ActionStop
	_, err = s.cache.Upsert(employeeID, models.StatePatch{
		IsAtWork:              &atWork,
		LastLocalAction:       &kind,
		AttendanceStart:       nil,
		SetAttendanceStart:    true,
		AttendanceRecordID:    "",
		SetAttendanceRecordID: true,
	})
	if err != nil {
		return err
	}

	s.log.Infow("shift stopped locally",
		"employee", employeeID,
		"name", current.FullName,
		"activity", activityID)
	return nil
}

// SyncMetadata refreshes employee descriptive fields and the activity
// catalog from the remote system. It must never mutate isAtWork,
// attendanceStart or attendanceID; those belong to the local terminal
// until the queue drainer reconciles them.
func (s *Service) SyncMetadata(ctx context.Context) error {
	catalog, err := s.client.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("metadata sync failed: %w", err)
	}

	changed := 0
	remoteIDs := make(map[string]struct{}, len(catalog.Employees))
	for _, emp := range catalog.Employees {
		if strings.TrimSpace(emp.FullName) == "" {
			s.log.Warnw("skipping catalog employee with empty name", "employee", emp.EmployeeID)
			continue
		}
		remoteIDs[emp.EmployeeID] = struct{}{}

		tagID := emp.TagID
		if tagID == "" {
			tagID = emp.EmployeeID // older catalog rows predate tag ids
		}

		existing, ok := s.cache.Get(emp.EmployeeID)
		if !ok {
			if err := s.cache.Insert(models.EmployeeState{
				EmployeeID:      emp.EmployeeID,
				FullName:        emp.FullName,
				ReportsActivity: emp.ReportsActivity,
				TagID:           tagID,
				IsAtWork:        false,
				Version:         1,
			}); err != nil {
				return err
			}
			changed++
			continue
		}

		if existing.FullName != emp.FullName ||
			existing.ReportsActivity != emp.ReportsActivity ||
			existing.TagID != tagID {
			_, err := s.cache.Upsert(emp.EmployeeID, models.StatePatch{
				FullName:        &emp.FullName,
				ReportsActivity: &emp.ReportsActivity,
				TagID:           &tagID,
			})
			if err != nil {
				return err
			}
			changed++
		}
	}

	// Employees missing from the catalog are reported, never deleted.
	// Removing one could orphan an open shift.
	for _, e := range s.cache.All() {
		if _, ok := remoteIDs[e.EmployeeID]; !ok {
			s.log.Warnw("employee absent from remote catalog, keeping local state",
				"employee", e.EmployeeID, "name", e.FullName)
		}
	}

	if err := s.storeActivities(catalog.Activities); err != nil {
		return err
	}

	syncTime := time.Now().UTC()
	if err := s.store.PutMetadata(db.MetaLastFullSync, syncTime.Format(time.RFC3339)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSync = syncTime
	s.mu.Unlock()

	s.log.Infow("metadata sync complete",
		"employees", len(catalog.Employees),
		"changed", changed,
		"activities", len(catalog.Activities))
	return nil
}

// Activities returns the cached activity catalog.
func (s *Service) Activities() []models.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Activity, len(s.activities))
	copy(out, s.activities)
	return out
}

// LastSync returns the time of the last successful metadata sync.
func (s *Service) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Reset wipes all local data (employee states, metadata and the action
// queue) and re-runs the first-run bootstrap. Operator-initiated only;
// unsynced attendance events are lost, which is the point of the guardrail
// in the admin handler.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.ResetLocalData(); err != nil {
		return err
	}
	if err := s.queue.Clear(); err != nil {
		return err
	}
	s.cache.Flush()
	s.setActivities(nil)
	s.mu.Lock()
	s.lastSync = time.Time{}
	s.mu.Unlock()

	s.log.Warn("local data reset, re-running first-run bootstrap")
	return s.Bootstrap(ctx)
}

func (s *Service) seedFromCatalog(catalog *models.Catalog) error {
	states := make([]models.EmployeeState, 0, len(catalog.Employees))
	for _, emp := range catalog.Employees {
		if strings.TrimSpace(emp.FullName) == "" {
			s.log.Warnw("skipping catalog employee with empty name", "employee", emp.EmployeeID)
			continue
		}
		tagID := emp.TagID
		if tagID == "" {
			tagID = emp.EmployeeID
		}
		states = append(states, models.EmployeeState{
			EmployeeID:      emp.EmployeeID,
			FullName:        emp.FullName,
			ReportsActivity: emp.ReportsActivity,
			TagID:           tagID,
			IsAtWork:        false,
			Version:         1,
		})
	}

	if err := s.cache.SeedAll(states); err != nil {
		return err
	}
	if err := s.storeActivities(catalog.Activities); err != nil {
		return err
	}

	syncTime := time.Now().UTC()
	if err := s.store.PutMetadata(db.MetaLastFullSync, syncTime.Format(time.RFC3339)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSync = syncTime
	s.mu.Unlock()
	return nil
}

func (s *Service) storeActivities(activities []models.Activity) error {
	raw, err := json.Marshal(activities)
	if err != nil {
		return fmt.Errorf("failed to encode activity catalog: %w", err)
	}
	if err := s.store.PutMetadata(db.MetaCachedActivities, string(raw)); err != nil {
		return err
	}
	s.setActivities(activities)
	return nil
}

func (s *Service) setActivities(activities []models.Activity) {
	s.mu.Lock()
	s.activities = activities
	s.mu.Unlock()
}
