// models.go
// Core data structures shared by the timeclock terminal daemon: local
// employee attendance state, the durable action queue, and the activity
// catalog cached from the remote system.

package models

import (
	"time"
)

// ActionKind distinguishes the two attendance actions a kiosk can record.
type ActionKind string

const (
	ActionStart ActionKind = "start"
	ActionStop  ActionKind = "stop"
)

// EmployeeState is the local authoritative attendance record for one
// employee. The cache layer owns all mutation; isAtWork is answered from
// this record only, never from the network.
//
// Invariant: IsAtWork implies AttendanceStart is set. AttendanceRecordID
// may still be empty while at work; the start is in flight to the remote
// system until the queue drainer confirms it.
type EmployeeState struct {
	EmployeeID      string `json:"employeeID"`
	FullName        string `json:"fullName"`
	ReportsActivity bool   `json:"reportActivity"`
	TagID           string `json:"tagID"` // NFC lookup key

	IsAtWork           bool       `json:"isAtWork"`
	AttendanceStart    *time.Time `json:"attendanceStart,omitempty"`
	AttendanceRecordID string     `json:"attendanceID,omitempty"`

	LastLocalAction     ActionKind `json:"lastLocalAction,omitempty"`
	LastLocalActionTime time.Time  `json:"lastLocalActionTime,omitempty"`
	Version             int64      `json:"version"`
}

// StatePatch is a partial update applied through the cache's Upsert. Nil
// pointer fields are left untouched. AttendanceStart and
// AttendanceRecordID can legitimately be cleared, so each carries an
// explicit Set flag instead of relying on nil.
type StatePatch struct {
	FullName        *string
	ReportsActivity *bool
	TagID           *string
	IsAtWork        *bool
	LastLocalAction *ActionKind

	AttendanceStart    *time.Time
	SetAttendanceStart bool

	AttendanceRecordID    string
	SetAttendanceRecordID bool
}

// QueuedAction is one not-yet-confirmed attendance action. Created by a
// start/stop, mutated only to bump Attempts, removed only on confirmed
// remote success.
type QueuedAction struct {
	ID          string     `json:"id"`
	Seq         uint64     `json:"seq"` // storage append order, assigned on persist
	EmployeeID  string     `json:"employeeID"`
	Kind        ActionKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"` // physical event time, not enqueue time
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`

	// Stop actions carry the record to close, if known at enqueue time,
	// and the original start time for the offline full-record fallback.
	AttendanceRecordID string     `json:"attendanceID,omitempty"`
	AttendanceStart    *time.Time `json:"attendanceStart,omitempty"`
	ActivityID         string     `json:"activityID,omitempty"`
}

// Exhausted reports whether the action has used up its retry budget.
// Exhausted actions stay in the queue as flagged entries for an operator;
// they are never deleted automatically.
func (a QueuedAction) Exhausted() bool {
	return a.Attempts >= a.MaxAttempts
}

// Activity is one entry of the reported-activity catalog. Purely
// presentational grouping data, replaced wholesale on each metadata sync.
type Activity struct {
	ActivityID   string `json:"activityID"`
	ActivityName string `json:"activityName"`
	Category     string `json:"activityCategory"`
	SubCategory  string `json:"activitySubCategory,omitempty"`
}

// CatalogEmployee is an employee row as the remote catalog returns it.
type CatalogEmployee struct {
	EmployeeID      string `json:"employeeID"`
	FullName        string `json:"fullName"`
	ReportsActivity bool   `json:"reportActivity"`
	TagID           string `json:"tagID"`
}

// Catalog is the remote system's employee/activity listing.
type Catalog struct {
	Employees  []CatalogEmployee `json:"employees"`
	Activities []Activity        `json:"activities"`
}

// QueueStats summarizes the action queue for UI status indicators.
type QueueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}
