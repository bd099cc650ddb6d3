package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"timeclock/queue"
	"timeclock/state"
)

// AdminHandler carries the operator surface: the failed-action queue,
// the full local-data reset and the explicit purge. None of this is
// reachable from the kiosk screens; it sits behind the operator's
// network-level access to the terminal.
type AdminHandler struct {
	service *state.Service
	queue   *queue.Queue
	log     *zap.SugaredLogger
}

func NewAdminHandler(service *state.Service, q *queue.Queue, log *zap.SugaredLogger) *AdminHandler {
	return &AdminHandler{service: service, queue: q, log: log}
}

// FailedActions lists queued actions that exhausted their retries. They
// stay queued until an operator resolves them; attendance data is never
// deleted automatically.
func (h *AdminHandler) FailedActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	failed := h.queue.Failed()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": failed,
		"count":   len(failed),
	})
}

// PurgeRequest must name the confirmation phrase; purging drops unsynced
// attendance events.
type PurgeRequest struct {
	Confirm string `json:"confirm"`
}

// PurgeQueue drops every queued action after explicit confirmation. This
// is the only way queued attendance data ever leaves the terminal without
// a remote confirmation.
func (h *AdminHandler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirm != "purge-queue" {
		writeError(w, `Confirmation required: {"confirm":"purge-queue"}`, http.StatusBadRequest)
		return
	}

	dropped := h.queue.Len()
	if err := h.queue.Clear(); err != nil {
		h.log.Errorw("queue purge failed", "error", err)
		writeError(w, "Failed to purge queue", http.StatusInternalServerError)
		return
	}

	h.log.Warnw("operator purged action queue", "dropped", dropped)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "purged",
		"dropped": dropped,
	})
}

// ResetRequest must name the confirmation phrase; a reset destroys all
// local state including unsynced attendance.
type ResetRequest struct {
	Confirm string `json:"confirm"`
}

// Reset wipes local data and re-runs the first-run bootstrap, which
// requires connectivity.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirm != "reset-local-data" {
		writeError(w, `Confirmation required: {"confirm":"reset-local-data"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.service.Reset(ctx); err != nil {
		h.log.Errorw("local-data reset failed", "error", err)
		if errors.Is(err, state.ErrFirstRunOffline) {
			writeError(w, "Reset wiped local data but re-initialization needs connectivity; retry when online", http.StatusServiceUnavailable)
			return
		}
		writeError(w, "Failed to reset local data", http.StatusInternalServerError)
		return
	}

	h.log.Warn("operator reset local data")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset complete"})
}
