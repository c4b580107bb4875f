package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// KeyPrefix marks every cleartext API key issued by the proxy.
const KeyPrefix = "fpx_"

// displayPrefixLen is how many leading characters of the cleartext are kept
// as the key's external identifier. Not enough to reconstruct the key.
const displayPrefixLen = 11

// ErrKeyNotFound is returned when a key id or hash has no stored key.
var ErrKeyNotFound = errors.New("api key not found")

// Key is the stored metadata for one API key. The cleartext is never stored;
// only its SHA-256 hash and a short display prefix.
type Key struct {
	// ID identifies the key for revoke/delete operations.
	ID string
	// Name is the operator-supplied label.
	Name string
	// Hash is the SHA-256 hex digest of the cleartext key.
	Hash string
	// Prefix is the first characters of the cleartext, for display.
	Prefix string
	// CreatedAt is when the key was created (UTC).
	CreatedAt time.Time
	// LastUsedAt is the last successful authentication (nil = never used).
	LastUsedAt *time.Time
	// Active is false once the key has been revoked.
	Active bool
}

// KeyStore persists API keys. Implementations must never store cleartext.
type KeyStore interface {
	// CreateKey stores a new key. The key's Hash must be unique.
	CreateKey(ctx context.Context, key *Key) error
	// GetKeyByHash looks a key up by its SHA-256 hex hash.
	// Returns ErrKeyNotFound when no key matches.
	GetKeyByHash(ctx context.Context, hash string) (*Key, error)
	// ListKeys returns all keys, newest first.
	ListKeys(ctx context.Context) ([]*Key, error)
	// RevokeKey sets Active=false. Returns ErrKeyNotFound for unknown ids.
	RevokeKey(ctx context.Context, id string) error
	// DeleteKey removes a key. Returns ErrKeyNotFound for unknown ids.
	DeleteKey(ctx context.Context, id string) error
	// TouchKey updates LastUsedAt. Best effort; callers ignore errors.
	TouchKey(ctx context.Context, id string, usedAt time.Time) error
}

// GenerateKey creates a new cleartext API key: the fixed prefix followed by
// 32 bytes of randomness, URL-safe base64 without padding.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewKeyID creates a short random key id (16 hex characters).
func NewKeyID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashKey returns the SHA-256 hex digest of a cleartext key.
func HashKey(cleartext string) string {
	sum := sha256.Sum256([]byte(cleartext))
	return hex.EncodeToString(sum[:])
}

// MatchesHash compares a cleartext key against a stored hash in constant
// time.
func MatchesHash(cleartext, storedHash string) bool {
	computed := HashKey(cleartext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// DisplayPrefix returns the short external identifier for a cleartext key.
func DisplayPrefix(cleartext string) string {
	if len(cleartext) < displayPrefixLen {
		return cleartext
	}
	return cleartext[:displayPrefixLen]
}

// NewKey assembles the stored metadata for a freshly generated cleartext key.
func NewKey(name, cleartext string) (*Key, error) {
	id, err := NewKeyID()
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:        id,
		Name:      name,
		Hash:      HashKey(cleartext),
		Prefix:    DisplayPrefix(cleartext),
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}, nil
}
