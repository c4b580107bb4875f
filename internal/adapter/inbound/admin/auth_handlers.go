package admin

import (
	"net/http"
	"strings"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
)

// handleLogin exchanges basic credentials for a token pair.
// POST /auth/login
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || !h.credentials.Verify(username, password) {
		h.auditService.RecordAdminAction(clientIP(r), "login_failed", "", r.UserAgent())
		h.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	pair, err := h.issuer.IssuePair(username, h.now())
	if err != nil {
		h.logger.Error("failed to issue token pair", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	h.auditService.RecordAdminAction(clientIP(r), "login", "user="+username, r.UserAgent())
	h.respondJSON(w, http.StatusOK, pair)
}

// handleRefresh exchanges a refresh token for a fresh pair. Access tokens
// are rejected here; the token kind is part of the claims.
// POST /auth/refresh
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		h.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	subject, err := h.issuer.Verify(strings.TrimPrefix(authz, "Bearer "), auth.TokenKindRefresh, h.now())
	if err != nil {
		h.auditService.RecordAdminAction(clientIP(r), "refresh_failed", "", r.UserAgent())
		h.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	pair, err := h.issuer.IssuePair(subject, h.now())
	if err != nil {
		h.logger.Error("failed to issue token pair", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	h.respondJSON(w, http.StatusOK, pair)
}
