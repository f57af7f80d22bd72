// Package api is the HTTP client for the remote flag evaluation and event
// ingestion endpoints, plus their wire types.
package api

import (
	"errors"
	"fmt"
)

// Endpoint paths.
const (
	EvaluatePath = "/api/flags/evaluate"
	CheckPath    = "/api/flags/check/"
	EventsPath   = "/api/analytics/event"
)

// Event is one telemetry record. Events are immutable once created.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Feature   string         `json:"feature"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UserID    string         `json:"user_id"`
	Timestamp string         `json:"timestamp"`
	Page      string         `json:"page,omitempty"`
}

// EventBatch is the POST /api/analytics/event body.
type EventBatch struct {
	Events []Event `json:"events"`
}

// EvaluateResponse is returned by GET /api/flags/evaluate.
type EvaluateResponse struct {
	OK    bool            `json:"ok"`
	Flags map[string]bool `json:"flags"`
}

// CheckResponse is returned by GET /api/flags/check/{flag}.
type CheckResponse struct {
	OK      bool `json:"ok"`
	Enabled bool `json:"enabled"`
}

// AckResponse is the optional body of a successful ingestion response.
type AckResponse struct {
	OK       *bool `json:"ok,omitempty"`
	Received int   `json:"received,omitempty"`
}

// ErrRejected means the server answered 2xx but with "ok": false.
var ErrRejected = errors.New("api: server reported ok=false")

// ErrMalformed means a response body did not have the expected shape.
var ErrMalformed = errors.New("api: malformed response")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
