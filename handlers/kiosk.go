package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"timeclock/queue"
	"timeclock/state"
	"timeclock/syncer"
)

// KioskHandler serves the UI-facing API. Every endpoint here answers from
// local state: attendance actions succeed instantly regardless of
// connectivity, and sync is fire-and-forget.
type KioskHandler struct {
	service   *state.Service
	queue     *queue.Queue
	scheduler *syncer.Scheduler
	log       *zap.SugaredLogger
}

func NewKioskHandler(service *state.Service, q *queue.Queue, scheduler *syncer.Scheduler, log *zap.SugaredLogger) *KioskHandler {
	return &KioskHandler{
		service:   service,
		queue:     q,
		scheduler: scheduler,
		log:       log,
	}
}

// Employees returns every cached employee state.
func (h *KioskHandler) Employees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	employees := h.service.Cache().All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"employees": employees,
		"count":     len(employees),
	})
}

// Employee looks up one employee by id or NFC tag.
func (h *KioskHandler) Employee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		if e, ok := h.service.Cache().Get(id); ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
		writeError(w, "Employee not found", http.StatusNotFound)
		return
	}
	if tag := query.Get("tag"); tag != "" {
		if e, ok := h.service.Cache().GetByTag(tag); ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
		h.log.Warnw("unknown tag scanned", "tag", tag)
		writeError(w, "No employee for tag", http.StatusNotFound)
		return
	}
	writeError(w, "Missing id or tag parameter", http.StatusBadRequest)
}

// Activities returns the cached activity catalog.
func (h *KioskHandler) Activities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activities := h.service.Activities()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activities": activities,
		"count":      len(activities),
	})
}

// StartRequest is the body of POST /api/attendance/start.
type StartRequest struct {
	EmployeeID string `json:"employeeID"`
}

// StartWork begins a shift. The local effect is immediate; the remote
// write happens later through the queue.
func (h *KioskHandler) StartWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmployeeID == "" {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.StartWork(req.EmployeeID); err != nil {
		h.writeActionError(w, err)
		return
	}

	e, _ := h.service.Cache().Get(req.EmployeeID)
	writeJSON(w, http.StatusOK, e)
}

// StopRequest is the body of POST /api/attendance/stop.
type StopRequest struct {
	EmployeeID string `json:"employeeID"`
	ActivityID string `json:"activityID,omitempty"`
}

// StopWork ends a shift, optionally tagged with a reported activity.
func (h *KioskHandler) StopWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmployeeID == "" {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.StopWork(req.EmployeeID, req.ActivityID); err != nil {
		h.writeActionError(w, err)
		return
	}

	e, _ := h.service.Cache().Get(req.EmployeeID)
	writeJSON(w, http.StatusOK, e)
}

// Sync kicks a drain attempt. Fire-and-forget: the UI calls this on
// window focus and never waits for the result.
func (h *KioskHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	h.scheduler.Kick(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

// SyncStatusResponse adds the cache headcounts to the scheduler's view,
// giving operators one endpoint to judge terminal health from.
type SyncStatusResponse struct {
	syncer.Status
	Employees int `json:"employees"`
	AtWork    int `json:"atWork"`
}

// SyncStatus reports the online flag, queue counters, sync timestamps and
// headcounts for the UI's passive indicator.
func (h *KioskHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, SyncStatusResponse{
		Status:    h.scheduler.Status(),
		Employees: h.service.Cache().Len(),
		AtWork:    len(h.service.Cache().AtWork()),
	})
}

func (h *KioskHandler) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrUnknownEmployee):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, state.ErrAlreadyAtWork), errors.Is(err, state.ErrNotAtWork):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		// Durable-store failure: the mutation did not commit.
		h.log.Errorw("attendance action failed", "error", err)
		writeError(w, "Failed to record attendance action", http.StatusInternalServerError)
	}
}
