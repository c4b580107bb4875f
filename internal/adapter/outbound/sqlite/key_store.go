package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
)

// KeyStore implements auth.KeyStore on the shared SQLite database.
type KeyStore struct {
	db *sql.DB
}

var _ auth.KeyStore = (*KeyStore)(nil)

// NewKeyStore creates a KeyStore on an opened database.
func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// CreateKey stores a new key.
func (s *KeyStore) CreateKey(ctx context.Context, key *auth.Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, key_hash, key_prefix, name, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.Hash, key.Prefix, key.Name,
		key.CreatedAt.UTC().Format(timeLayout), boolToInt(key.Active))
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetKeyByHash looks a key up by its SHA-256 hex hash.
func (s *KeyStore) GetKeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, key_hash, key_prefix, name, created_at, last_used_at, is_active
		FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns all keys, newest first.
func (s *KeyStore) ListKeys(ctx context.Context) ([]*auth.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, key_hash, key_prefix, name, created_at, last_used_at, is_active
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*auth.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey sets a key inactive.
func (s *KeyStore) RevokeKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE key_id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRow(res)
}

// DeleteKey removes a key.
func (s *KeyStore) DeleteKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE key_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return requireRow(res)
}

// TouchKey updates the last-used timestamp.
func (s *KeyStore) TouchKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
		usedAt.UTC().Format(timeLayout), id)
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*auth.Key, error) {
	var (
		k         auth.Key
		createdAt string
		lastUsed  sql.NullString
		active    int
	)
	err := row.Scan(&k.ID, &k.Hash, &k.Prefix, &k.Name, &createdAt, &lastUsed, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}

	k.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse key created_at %q: %w", createdAt, err)
	}
	if lastUsed.Valid {
		t, err := time.Parse(timeLayout, lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parse key last_used_at %q: %w", lastUsed.String, err)
		}
		k.LastUsedAt = &t
	}
	k.Active = active != 0
	return &k, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
