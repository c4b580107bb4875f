package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
)

type contextKey string

// subjectKey carries the authenticated principal through the request context.
const subjectKey contextKey = "auth.subject"

// clientIP extracts the peer address from the connection. Forwarding headers
// are never trusted on the control plane.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited wraps a sensitive operation with the admin rate limiter. The check
// runs before auth so failed credential guessing burns the same budget, and
// the caller learns nothing from the ordering.
func (h *Handler) limited(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		retryAfter, ok := h.adminLimiter.Check(clientIP(r), op, h.now())
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			h.respondError(w, http.StatusTooManyRequests,
				fmt.Sprintf("too many %s attempts, retry in %ds", op, int(retryAfter.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recorded writes an admin-action audit event after the wrapped endpoint
// runs. It sits inside requireAuth so the authenticated subject is known.
func (h *Handler) recorded(action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		h.auditService.RecordAdminAction(clientIP(r), action, "by="+subjectFrom(r.Context()), r.UserAgent())
	})
}

// opAuthFailure is the admin limiter key charged for failed authentication,
// so credential guessing against any guarded endpoint is throttled.
const opAuthFailure = "auth_failure"

// requireAuth admits requests carrying valid basic credentials, a bearer
// access token, or an active API key. Every failure mode returns the same
// generic 401. Failures burn admin limiter budget; successes cost nothing.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := h.authenticate(r)
		if err != nil {
			ip := clientIP(r)
			h.logger.Warn("control-plane auth rejected",
				"client_ip", ip,
				"path", r.URL.Path,
			)
			if retryAfter, ok := h.adminLimiter.Check(ip, opAuthFailure, h.now()); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				h.respondError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}
			h.respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

var errUnauthenticated = errors.New("unauthenticated")

// authenticate resolves the request's principal. Order: API key header,
// bearer access token, basic credentials.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return h.authenticateAPIKey(r.Context(), apiKey)
	}

	authz := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		token := strings.TrimPrefix(authz, "Bearer ")
		subject, err := h.issuer.Verify(token, auth.TokenKindAccess, h.now())
		if err != nil {
			return "", errUnauthenticated
		}
		return subject, nil

	case strings.HasPrefix(authz, "Basic "):
		username, password, ok := r.BasicAuth()
		if !ok || !h.credentials.Verify(username, password) {
			return "", errUnauthenticated
		}
		return username, nil
	}

	return "", errUnauthenticated
}

// authenticateAPIKey checks an opaque fpx_ key against the store and stamps
// its last use. A revoked key fails identically to an unknown one.
func (h *Handler) authenticateAPIKey(ctx context.Context, cleartext string) (string, error) {
	if !strings.HasPrefix(cleartext, auth.KeyPrefix) {
		return "", errUnauthenticated
	}
	key, err := h.keys.GetKeyByHash(ctx, auth.HashKey(cleartext))
	if err != nil || !key.Active {
		return "", errUnauthenticated
	}
	if err := h.keys.TouchKey(ctx, key.ID, h.now().UTC()); err != nil {
		h.logger.Warn("failed to stamp key usage", "key_id", key.ID, "error", err)
	}
	return key.Name, nil
}

// subjectFrom returns the authenticated principal, or "" outside requireAuth.
func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}
