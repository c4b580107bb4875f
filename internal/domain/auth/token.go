package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds. Refresh tokens are accepted only by the refresh endpoint.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Token lifetimes.
const (
	AccessTokenTTL  = 30 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken covers every token verification failure: bad signature,
// expired, wrong kind, malformed. Callers surface a generic 401.
var ErrInvalidToken = errors.New("invalid token")

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// TokenIssuer signs and verifies session tokens with a symmetric key.
// There is no server-side session table; the signed claims are the session.
type TokenIssuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates an issuer from the signing key material.
func NewTokenIssuer(signingKey string) (*TokenIssuer, error) {
	if signingKey == "" {
		return nil, errors.New("token signing key not configured")
	}
	return &TokenIssuer{
		key:        []byte(signingKey),
		accessTTL:  AccessTokenTTL,
		refreshTTL: RefreshTokenTTL,
	}, nil
}

// IssuePair creates a new access/refresh token pair for a subject.
func (i *TokenIssuer) IssuePair(subject string, now time.Time) (TokenPair, error) {
	access, err := i.sign(subject, TokenKindAccess, now, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.sign(subject, TokenKindRefresh, now, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

func (i *TokenIssuer) sign(subject, kind string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"type": kind,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks a token's signature, expiry, and kind, and returns the
// subject. Any failure maps to ErrInvalidToken.
func (i *TokenIssuer) Verify(tokenString, wantKind string, now time.Time) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if kind, _ := claims["type"].(string); kind != wantKind {
		return "", ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}
