package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/audit"
)

// timeLayout stores timestamps as sortable UTC strings so the timestamp
// index supports range scans. The fractional second is fixed-width:
// RFC3339Nano trims trailing zeros, which breaks lexicographic ordering
// across whole-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AuditStore implements audit.Store on the shared SQLite database.
type AuditStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore on an opened database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes a batch of events in one transaction. Row ids are assigned
// by the autoincrement column and written back into the events.
func (s *AuditStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log
			(timestamp, event_type, client_ip, user_agent,
			 method, path, status_code, duration_ms, action, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		var (
			method, path, action, details sql.NullString
			status                        sql.NullInt64
			duration                      sql.NullFloat64
		)
		switch e.Kind {
		case audit.KindRequest:
			method = sql.NullString{String: e.Method, Valid: true}
			path = sql.NullString{String: e.Path, Valid: true}
			status = sql.NullInt64{Int64: int64(e.Status), Valid: true}
			duration = sql.NullFloat64{Float64: e.DurationMS, Valid: true}
		case audit.KindAdminAction:
			action = sql.NullString{String: e.Action, Valid: true}
			details = sql.NullString{String: e.Details, Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			e.Timestamp.UTC().Format(timeLayout), string(e.Kind), e.ClientIP,
			nullable(e.UserAgent), method, path, status, duration, action, details)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			e.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// Query returns events matching the filter, newest first (by row id).
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ClientIP != "" {
		where = append(where, "client_ip = ?")
		args = append(args, filter.ClientIP)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}

	query := `SELECT id, timestamp, event_type, client_ip, user_agent,
			method, path, status_code, duration_ms, action, details
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > audit.MaxQueryLimit {
		limit = audit.MaxQueryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats aggregates events recorded at or after since.
func (s *AuditStore) Stats(ctx context.Context, since time.Time) (*audit.Statistics, error) {
	cutoff := since.UTC().Format(timeLayout)
	stats := &audit.Statistics{
		CountsByKind:   make(map[string]int64),
		CountsByStatus: make(map[int]int64),
		WindowStart:    since.UTC(),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_log WHERE timestamp >= ? GROUP BY event_type`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit stats by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		stats.CountsByKind[kind] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statusRows, err := s.db.QueryContext(ctx,
		`SELECT status_code, COUNT(*) FROM audit_log
		 WHERE timestamp >= ? AND status_code IS NOT NULL GROUP BY status_code`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit stats by status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status int
		var n int64
		if err := statusRows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.CountsByStatus[status] = n
	}
	if err := statusRows.Err(); err != nil {
		return nil, err
	}

	ipRows, err := s.db.QueryContext(ctx,
		`SELECT client_ip, COUNT(*) AS n FROM audit_log
		 WHERE timestamp >= ? GROUP BY client_ip ORDER BY n DESC LIMIT 10`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit stats top ips: %w", err)
	}
	defer ipRows.Close()
	for ipRows.Next() {
		var ic audit.IPCount
		if err := ipRows.Scan(&ic.ClientIP, &ic.Count); err != nil {
			return nil, err
		}
		stats.TopIPs = append(stats.TopIPs, ic)
	}
	return stats, ipRows.Err()
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		e                             audit.Event
		ts                            string
		kind                          string
		userAgent                     sql.NullString
		method, path, action, details sql.NullString
		status                        sql.NullInt64
		duration                      sql.NullFloat64
	)
	if err := rows.Scan(&e.ID, &ts, &kind, &e.ClientIP, &userAgent,
		&method, &path, &status, &duration, &action, &details); err != nil {
		return e, fmt.Errorf("scan audit event: %w", err)
	}

	parsed, err := time.Parse(timeLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	e.Kind = audit.Kind(kind)
	e.UserAgent = userAgent.String
	e.Method = method.String
	e.Path = path.String
	e.Status = int(status.Int64)
	e.DurationMS = duration.Float64
	e.Action = action.String
	e.Details = details.String
	return e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
