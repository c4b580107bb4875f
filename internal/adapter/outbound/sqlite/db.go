// Package sqlite persists the audit log and the API key store in a single
// embedded SQLite database file.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// schema creates both tables and the indices used by the query plane.
// Variant columns of audit_log are nullable: request events fill
// method/path/status_code/duration_ms, admin events fill action/details.
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	client_ip   TEXT NOT NULL,
	user_agent  TEXT,
	method      TEXT,
	path        TEXT,
	status_code INTEGER,
	duration_ms REAL,
	action      TEXT,
	details     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp  ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_client_ip  ON audit_log(client_ip);

CREATE TABLE IF NOT EXISTS api_keys (
	key_id       TEXT PRIMARY KEY,
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL,
	name         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	last_used_at TEXT,
	is_active    INTEGER NOT NULL DEFAULT 1
);
`

// Open opens (creating if necessary) the database at path and applies the
// schema. WAL mode lets the query plane read while the writer commits.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
