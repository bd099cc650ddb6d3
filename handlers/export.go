package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"timeclock/models"
	"timeclock/queue"
)

// ExportHandler streams the action queue as CSV for operator review,
// mainly for inspecting failed entries before deciding to purge.
type ExportHandler struct {
	queue *queue.Queue
	log   *zap.SugaredLogger
}

func NewExportHandler(q *queue.Queue, log *zap.SugaredLogger) *ExportHandler {
	return &ExportHandler{queue: q, log: log}
}

// ExportQueue writes the queue snapshot as CSV. ?failed=true limits the
// export to exhausted actions.
func (h *ExportHandler) ExportQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var actions []models.QueuedAction
	if r.URL.Query().Get("failed") == "true" {
		actions = h.queue.Failed()
	} else {
		actions = h.queue.Snapshot()
	}

	filename := fmt.Sprintf("action-queue-%s.csv", time.Now().UTC().Format("2006-01-02T15-04-05"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	writer.Write([]string{
		"id", "employee_id", "kind", "timestamp",
		"attempts", "max_attempts", "attendance_id", "attendance_start", "activity_id",
	})

	for _, a := range actions {
		start := ""
		if a.AttendanceStart != nil {
			start = a.AttendanceStart.Format(time.RFC3339)
		}
		writer.Write([]string{
			a.ID,
			a.EmployeeID,
			string(a.Kind),
			a.Timestamp.Format(time.RFC3339),
			strconv.Itoa(a.Attempts),
			strconv.Itoa(a.MaxAttempts),
			a.AttendanceRecordID,
			start,
			a.ActivityID,
		})
	}

	h.log.Infow("queue exported", "actions", len(actions))
}
