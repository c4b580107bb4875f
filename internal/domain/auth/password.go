// Package auth contains the credential types and verification logic for the
// control plane: the shared-secret admin credential, session tokens, and
// long-lived API keys.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrNoCredentials is returned when the admin credential is not configured.
var ErrNoCredentials = errors.New("admin credentials not configured")

// argon2idParams follows the OWASP minimum configuration.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Credentials holds the admin shared secret. The password is kept only as
// an Argon2id hash; the cleartext from the environment is discarded after
// hashing at startup.
type Credentials struct {
	username     string
	passwordHash string
}

// NewCredentials builds the admin credential from the environment values.
// The password may be supplied pre-hashed in PHC format ($argon2id$...);
// anything else is treated as cleartext and hashed on load.
func NewCredentials(username, password string) (*Credentials, error) {
	if username == "" || password == "" {
		return nil, ErrNoCredentials
	}

	hash := password
	if !strings.HasPrefix(password, "$argon2id$") {
		var err error
		hash, err = argon2id.CreateHash(password, argon2idParams)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
	}

	return &Credentials{username: username, passwordHash: hash}, nil
}

// HashPassword returns the Argon2id PHC hash of a password. Used by the
// hash-password CLI command so operators can pre-hash ADMIN_PASSWORD.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2idParams)
}

// Verify checks a presented username and password against the stored
// credential. Both comparisons are constant-time.
func (c *Credentials) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1
	passOK, err := safeArgon2idCompare(password, c.passwordHash)
	return userOK && passOK && err == nil
}

// Username returns the configured admin username.
func (c *Credentials) Username() string {
	return c.username
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters; convert those to errors so Verify never panics.
func safeArgon2idCompare(password, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(password, storedHash)
}
