// Package syncer drains the durable action queue against the remote
// attendance API: the drainer replays actions with correct create/update
// semantics and start/stop dependency linking, the scheduler decides when
// a pass runs and keeps the processing lock honest.
package syncer

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"timeclock/api"
	"timeclock/metrics"
	"timeclock/models"
	"timeclock/queue"
	"timeclock/state"
)

// Result summarizes one drain pass.
type Result struct {
	Processed int  // actions attempted against the remote API
	Resolved  int  // actions confirmed and removed
	Skipped   int  // exhausted actions left in place
	Aborted   bool // pass stopped on a connectivity failure
}

// Drainer replays queued actions. It holds no state of its own between
// passes; everything durable lives in the queue and the cache.
type Drainer struct {
	queue   *queue.Queue
	cache   *state.Cache
	client  *api.Client
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// NewDrainer wires the replay protocol together.
func NewDrainer(q *queue.Queue, cache *state.Cache, client *api.Client, m *metrics.Metrics, log *zap.SugaredLogger) *Drainer {
	return &Drainer{queue: q, cache: cache, client: client, metrics: m, log: log}
}

// Drain runs one pass over the current queue snapshot. Actions are
// partitioned by employee and replayed strictly sequentially within each
// partition in physical-event order, so an offline stop enqueued before
// its retried start still lands start-before-stop. A connectivity failure
// aborts the entire pass; every other failure only costs that one action
// an attempt.
func (d *Drainer) Drain(ctx context.Context) Result {
	var res Result

	snapshot := d.queue.Snapshot()
	if len(snapshot) == 0 {
		return res
	}

	partitions := partitionByEmployee(snapshot)
	d.log.Infow("drain pass starting", "actions", len(snapshot), "employees", len(partitions))

	for _, actions := range partitions {
		// Carries the record id from a start confirmed earlier in this
		// same pass to a stop that was enqueued before the confirmation
		// arrived.
		pendingAttendanceID := ""

		for _, action := range actions {
			if action.Exhausted() {
				d.log.Warnw("skipping exhausted action, operator attention required",
					"id", action.ID,
					"employee", action.EmployeeID,
					"kind", action.Kind,
					"attempts", action.Attempts)
				res.Skipped++
				continue
			}

			recordID, err := d.replay(ctx, action, pendingAttendanceID)
			if err == nil {
				if rmErr := d.queue.Remove(action.ID); rmErr != nil {
					// The remote accepted the action; a failed local delete
					// means it will be replayed and deduplicated upstream.
					d.log.Errorw("failed to remove confirmed action", "id", action.ID, "error", rmErr)
				}
				res.Processed++
				res.Resolved++
				d.metrics.ActionsResolved.Inc()

				switch action.Kind {
				case models.ActionStart:
					pendingAttendanceID = recordID
					d.propagateRecordID(action.EmployeeID, recordID)
				case models.ActionStop:
					// Sequence closed for this employee.
					pendingAttendanceID = ""
				}
				continue
			}

			res.Processed++

			if err == errUnresolvableStop {
				// Data-integrity gap: flag as failed so it surfaces to an
				// operator instead of being retried or guessed at.
				d.log.Errorw("CRITICAL: stop with no record id and no captured start, flagging for manual entry",
					"id", action.ID, "employee", action.EmployeeID)
				if qErr := d.queue.RecordAttempt(action.ID, action.MaxAttempts); qErr != nil {
					d.log.Errorw("failed to flag unresolvable stop", "id", action.ID, "error", qErr)
				}
				continue
			}

			if qErr := d.queue.RecordAttempt(action.ID, action.Attempts+1); qErr != nil {
				d.log.Errorw("failed to record attempt", "id", action.ID, "error", qErr)
			}

			if api.IsConnectivity(err) {
				d.log.Warnw("connectivity failure, aborting drain pass",
					"id", action.ID, "error", err)
				res.Aborted = true
				return res
			}

			if api.IsTransient(err) {
				d.log.Warnw("transient server failure, action stays queued",
					"id", action.ID, "attempts", action.Attempts+1, "error", err)
			} else {
				d.log.Errorw("remote rejected action",
					"id", action.ID, "attempts", action.Attempts+1, "error", err)
			}
		}
	}

	d.log.Infow("drain pass finished",
		"processed", res.Processed,
		"resolved", res.Resolved,
		"skipped", res.Skipped,
		"remaining", d.queue.Len())
	return res
}

// errUnresolvableStop marks a stop that cannot be replayed at all: no
// record id, no same-pass dependency, no captured start time.
var errUnresolvableStop = unresolvableStopError{}

type unresolvableStopError struct{}

func (unresolvableStopError) Error() string {
	return "stop action has neither a record id nor a captured start time"
}

// replay performs the remote call for one action and returns the record
// id it produced, if any.
func (d *Drainer) replay(ctx context.Context, action models.QueuedAction, pendingAttendanceID string) (string, error) {
	switch action.Kind {
	case models.ActionStart:
		// Open shift: start time only, never an end time.
		recordID, err := d.client.CreateAttendance(ctx, action.EmployeeID, action.Timestamp, nil, action.ActivityID)
		d.countCall("create", err)
		if err != nil {
			return "", err
		}
		d.log.Infow("start confirmed", "id", action.ID, "employee", action.EmployeeID, "attendanceID", recordID)
		return recordID, nil

	case models.ActionStop:
		effectiveID := action.AttendanceRecordID
		if effectiveID == "" && pendingAttendanceID != "" {
			effectiveID = pendingAttendanceID
			d.log.Infow("stop linked to start confirmed in this pass",
				"id", action.ID, "attendanceID", effectiveID)
		}

		if effectiveID != "" {
			err := d.client.UpdateAttendance(ctx, effectiveID, action.Timestamp, action.ActivityID)
			d.countCall("update", err)
			if err != nil {
				return "", err
			}
			d.log.Infow("stop confirmed", "id", action.ID, "employee", action.EmployeeID, "attendanceID", effectiveID)
			return effectiveID, nil
		}

		// The start's confirmation never reached this terminal (e.g. a
		// restart in between): create the full historical record in one
		// call from the captured original start time.
		if action.AttendanceStart == nil {
			return "", errUnresolvableStop
		}
		end := action.Timestamp
		recordID, err := d.client.CreateAttendance(ctx, action.EmployeeID, *action.AttendanceStart, &end, action.ActivityID)
		d.countCall("create", err)
		if err != nil {
			return "", err
		}
		d.log.Infow("stop confirmed as full historical record",
			"id", action.ID, "employee", action.EmployeeID, "attendanceID", recordID)
		return recordID, nil

	default:
		d.log.Errorw("unknown action kind", "id", action.ID, "kind", action.Kind)
		return "", errUnresolvableStop
	}
}

// propagateRecordID writes a confirmed start's record id into the cache
// so the UI and future drain passes see it. Skipped when the employee
// already clocked out locally; the stop in the same pass carries the
// linkage instead.
func (d *Drainer) propagateRecordID(employeeID, recordID string) {
	current, ok := d.cache.Get(employeeID)
	if !ok || !current.IsAtWork {
		return
	}
	_, err := d.cache.Upsert(employeeID, models.StatePatch{
		AttendanceRecordID:    recordID,
		SetAttendanceRecordID: true,
	})
	if err != nil {
		d.log.Errorw("failed to store confirmed attendance id",
			"employee", employeeID, "attendanceID", recordID, "error", err)
	}
}

func (d *Drainer) countCall(op string, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case api.IsConnectivity(err):
		outcome = metrics.OutcomeConnectivity
	case api.IsTransient(err):
		outcome = metrics.OutcomeTransient
	default:
		outcome = metrics.OutcomePermanent
	}
	d.metrics.RemoteCalls.WithLabelValues(op, outcome).Inc()
}

// partitionByEmployee groups the snapshot by employee and sorts each
// group by physical event time, not enqueue order.
func partitionByEmployee(snapshot []models.QueuedAction) map[string][]models.QueuedAction {
	partitions := make(map[string][]models.QueuedAction)
	for _, a := range snapshot {
		partitions[a.EmployeeID] = append(partitions[a.EmployeeID], a)
	}
	for _, actions := range partitions {
		sort.Slice(actions, func(i, j int) bool {
			return actions[i].Timestamp.Before(actions[j].Timestamp)
		})
	}
	return partitions
}
