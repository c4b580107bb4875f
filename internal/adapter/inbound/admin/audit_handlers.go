package admin

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/audit"
)

// defaultQueryLimit applies when the caller does not pass one.
const defaultQueryLimit = 100

// defaultStatsWindow is how far back /audit/stats looks by default.
const defaultStatsWindow = 24 * time.Hour

// handleAuditLogs queries persisted audit events, newest first.
// GET /audit/logs?limit=&offset=&kind=&client_ip=&since=&until=
func (h *Handler) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{Limit: defaultQueryLimit}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > audit.MaxQueryLimit {
			limit = audit.MaxQueryLimit
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}
	if raw := q.Get("kind"); raw != "" {
		kind := audit.Kind(raw)
		if !kind.IsValid() {
			h.respondError(w, http.StatusBadRequest, "kind must be request or admin-action")
			return
		}
		filter.Kind = kind
	}
	if raw := q.Get("client_ip"); raw != "" {
		if net.ParseIP(raw) == nil {
			h.respondError(w, http.StatusBadRequest, "client_ip must be a valid IP address")
			return
		}
		filter.ClientIP = raw
	}

	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		h.respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		h.respondError(w, http.StatusBadRequest, "until must be an RFC 3339 timestamp")
		return
	}

	events, err := h.auditService.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleAuditStats aggregates events over a trailing window (default 24h).
// GET /audit/stats?since=
func (h *Handler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	since := h.now().Add(-defaultStatsWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	stats, err := h.auditService.Stats(r.Context(), since)
	if err != nil {
		h.logger.Error("audit stats failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "audit stats failed")
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
