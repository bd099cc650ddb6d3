// Package api is the stateless gateway to the remote attendance system.
// It only wraps the request/response contract; all attendance truth the
// UI relies on lives in the local state cache.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"timeclock/config"
	"timeclock/models"
)

// Error is an HTTP-level failure: the remote system answered, but with a
// non-2xx status. Transport failures (timeout, DNS, refused connection)
// are returned as-is and classified by IsConnectivity.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote API error: status %d: %s", e.Status, e.Body)
}

// IsConnectivity reports whether err is a transport-level failure where
// the request never produced an HTTP response (timeout, DNS, refused or
// reset connection). These abort a whole drain pass and flip the
// terminal offline.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTransient reports a 5xx-class server failure: the specific action is
// retried later, the rest of the pass continues.
func IsTransient(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status >= 500
}

// IsPermanent reports a 4xx-class rejection, e.g. an unknown record id on
// update. Distinct from a network error so the caller can treat it as a
// rejection rather than a retryable outage.
func IsPermanent(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

// Client talks to the remote attendance API.
type Client struct {
	baseURL        string
	catalogPath    string
	attendancePath string
	catalogTimeout time.Duration
	http           *http.Client
	log            *zap.SugaredLogger
}

// NewClient builds a gateway from the API section of the configuration.
func NewClient(cfg config.APIConfig, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:        cfg.BaseURL,
		catalogPath:    cfg.CatalogPath,
		attendancePath: cfg.AttendancePath,
		catalogTimeout: cfg.CatalogTimeout,
		http:           &http.Client{Timeout: cfg.RequestTimeout},
		log:            log,
	}
}

// attendancePayload is the wire format of the attendance write endpoint.
// An empty attendanceEnd signals an open (in-progress) shift.
type attendancePayload struct {
	Action         string         `json:"action"` // create | update
	AttendanceData attendanceData `json:"attendanceData"`
}

type attendanceData struct {
	AttendanceRecordID string `json:"attendanceID,omitempty"`
	EmployeeID         string `json:"employeeID"`
	AttendanceStart    string `json:"attendanceStart"`
	AttendanceEnd      string `json:"attendanceEnd"`
	ActivityID         string `json:"activityID,omitempty"`
}

type attendanceResponse struct {
	AttendanceRecordID string `json:"attendanceID"`
}

// FetchCatalog retrieves the employee and activity catalog. Idempotent,
// safe to retry.
func (c *Client) FetchCatalog(ctx context.Context) (*models.Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, c.catalogTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.catalogPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	var catalog models.Catalog
	if err := c.do(req, &catalog); err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	c.log.Debugw("catalog fetched",
		"employees", len(catalog.Employees),
		"activities", len(catalog.Activities))
	return &catalog, nil
}

// CreateAttendance creates a new attendance record. A nil end creates an
// open shift; both times create a closed historical record in one call.
// Returns the remote-assigned record id.
func (c *Client) CreateAttendance(ctx context.Context, employeeID string, start time.Time, end *time.Time, activityID string) (string, error) {
	payload := attendancePayload{
		Action: "create",
		AttendanceData: attendanceData{
			EmployeeID:      employeeID,
			AttendanceStart: start.UTC().Format(time.RFC3339),
			ActivityID:      activityID,
		},
	}
	if end != nil {
		payload.AttendanceData.AttendanceEnd = end.UTC().Format(time.RFC3339)
	}

	var resp attendanceResponse
	if err := c.postAttendance(ctx, "create", payload, &resp); err != nil {
		return "", err
	}
	if resp.AttendanceRecordID == "" {
		return "", fmt.Errorf("create attendance returned no attendanceID for employee %s", employeeID)
	}
	return resp.AttendanceRecordID, nil
}

// UpdateAttendance sets the end time (and optional activity) on an
// existing record.
func (c *Client) UpdateAttendance(ctx context.Context, recordID string, end time.Time, activityID string) error {
	payload := attendancePayload{
		Action: "update",
		AttendanceData: attendanceData{
			AttendanceRecordID: recordID,
			AttendanceEnd:      end.UTC().Format(time.RFC3339),
			ActivityID:         activityID,
		},
	}
	return c.postAttendance(ctx, "update", payload, &attendanceResponse{})
}

// Ping is a cheap reachability probe used by the connectivity monitor.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+c.catalogPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// Any HTTP answer proves reachability, even an error status.
	return nil
}

func (c *Client) postAttendance(ctx context.Context, action string, payload attendancePayload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", action, err)
	}

	url := fmt.Sprintf("%s%s?action=%s", c.baseURL, c.attendancePath, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}

	if err := c.do(req, out); err != nil {
		return fmt.Errorf("attendance %s failed: %w", action, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
