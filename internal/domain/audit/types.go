// Package audit defines the audit event model and the store contract.
// Events are append-only: the core never updates or deletes them.
package audit

import (
	"time"
)

// Kind discriminates the two event variants.
type Kind string

const (
	// KindRequest records one data-plane request.
	KindRequest Kind = "request"
	// KindAdminAction records one control-plane operation.
	KindAdminAction Kind = "admin-action"
)

// IsValid reports whether k is a known event kind.
func (k Kind) IsValid() bool {
	return k == KindRequest || k == KindAdminAction
}

// StatusClientCancelled is recorded when the client disconnected before the
// response completed (nginx convention).
const StatusClientCancelled = 499

// Event is a tagged union: Kind selects which variant fields are set.
// Request events carry Method/Path/Status/DurationMS; admin events carry
// Action/Details. Timestamp, ClientIP, and UserAgent are shared.
type Event struct {
	// ID is the store-assigned monotonic row id. Zero until appended.
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent,omitempty"`

	// Request variant.
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Status     int     `json:"status_code,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`

	// Admin variant.
	Action  string `json:"action,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewRequestEvent builds a data-plane request event.
func NewRequestEvent(clientIP, method, path, userAgent string, status int, duration time.Duration) Event {
	return Event{
		Timestamp:  time.Now().UTC(),
		Kind:       KindRequest,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
		Method:     method,
		Path:       path,
		Status:     status,
		DurationMS: float64(duration.Microseconds()) / 1000.0,
	}
}

// NewAdminEvent builds a control-plane action event. Details is an opaque
// blob, typically JSON.
func NewAdminEvent(clientIP, action, details, userAgent string) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      KindAdminAction,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Action:    action,
		Details:   details,
	}
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Kind     Kind
	ClientIP string
	Since    time.Time
	Until    time.Time
	// Limit is clamped to [1, MaxQueryLimit] by the store.
	Limit  int
	Offset int
}

// MaxQueryLimit caps one page of query results.
const MaxQueryLimit = 1000

// IPCount is one entry of the top-talkers aggregate.
type IPCount struct {
	ClientIP string `json:"client_ip"`
	Count    int64  `json:"count"`
}

// Statistics aggregates events over a window.
type Statistics struct {
	Total          int64            `json:"total"`
	CountsByKind   map[string]int64 `json:"counts_by_kind"`
	CountsByStatus map[int]int64    `json:"counts_by_status"`
	TopIPs         []IPCount        `json:"top_ips"`
	WindowStart    time.Time        `json:"window_start"`
}
