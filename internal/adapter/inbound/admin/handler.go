// Package admin provides the control-plane JSON API: auth, key management,
// reload, rate limiter inspection, and audit queries.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
	"github.com/fastproxy/fastproxy/internal/domain/ratelimit"
	"github.com/fastproxy/fastproxy/internal/domain/route"
	"github.com/fastproxy/fastproxy/internal/service"
)

// BuildInfo carries version metadata for the status endpoint.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Handler serves every control-plane endpoint.
type Handler struct {
	credentials  *auth.Credentials
	issuer       *auth.TokenIssuer
	keys         auth.KeyStore
	auditService *service.AuditService
	reload       *service.ReloadService
	table        *route.Table
	limiter      *ratelimit.Limiter
	adminLimiter *ratelimit.AdminLimiter
	buildInfo    *BuildInfo
	logger       *slog.Logger
	startTime    time.Time
	now          func() time.Time
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithCredentials sets the shared-secret admin credentials.
func WithCredentials(c *auth.Credentials) Option {
	return func(h *Handler) { h.credentials = c }
}

// WithTokenIssuer sets the JWT issuer.
func WithTokenIssuer(i *auth.TokenIssuer) Option {
	return func(h *Handler) { h.issuer = i }
}

// WithKeyStore sets the API key store.
func WithKeyStore(s auth.KeyStore) Option {
	return func(h *Handler) { h.keys = s }
}

// WithAuditService sets the audit service for queries and event recording.
func WithAuditService(s *service.AuditService) Option {
	return func(h *Handler) { h.auditService = s }
}

// WithReloadService sets the config reload service.
func WithReloadService(s *service.ReloadService) Option {
	return func(h *Handler) { h.reload = s }
}

// WithRouteTable sets the live route table.
func WithRouteTable(t *route.Table) Option {
	return func(h *Handler) { h.table = t }
}

// WithRateLimiter sets the data-plane limiter, for inspection endpoints.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithAdminRateLimiter sets the limiter guarding sensitive operations.
func WithAdminRateLimiter(l *ratelimit.AdminLimiter) Option {
	return func(h *Handler) { h.adminLimiter = l }
}

// WithBuildInfo sets version metadata.
func WithBuildInfo(info *BuildInfo) Option {
	return func(h *Handler) { h.buildInfo = info }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler with the given options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the control-plane handler. Sensitive operations sit behind
// the admin rate limiter before auth runs, so failed credentials burn budget
// too. Read endpoints require auth only.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints carry their own credential check.
	mux.Handle("POST /auth/login", h.limited("login", http.HandlerFunc(h.handleLogin)))
	mux.Handle("POST /auth/refresh", h.limited("refresh", http.HandlerFunc(h.handleRefresh)))

	// API key management.
	mux.Handle("GET /auth/keys", h.requireAuth(h.recorded("keys_list", http.HandlerFunc(h.handleListKeys))))
	mux.Handle("POST /auth/keys", h.limited("key_create", h.requireAuth(http.HandlerFunc(h.handleCreateKey))))
	mux.Handle("POST /auth/keys/{id}/revoke", h.limited("key_revoke", h.requireAuth(http.HandlerFunc(h.handleRevokeKey))))
	mux.Handle("DELETE /auth/keys/{id}", h.limited("key_delete", h.requireAuth(http.HandlerFunc(h.handleDeleteKey))))

	// Admin operations.
	mux.Handle("POST /admin/reload", h.limited("reload", h.requireAuth(http.HandlerFunc(h.handleReload))))
	mux.Handle("GET /admin/routes", h.requireAuth(h.recorded("routes_view", http.HandlerFunc(h.handleRoutes))))
	mux.Handle("GET /admin/config", h.requireAuth(h.recorded("config_view", http.HandlerFunc(h.handleConfig))))
	mux.Handle("GET /admin/status", h.requireAuth(h.recorded("status_view", http.HandlerFunc(h.handleStatus))))
	mux.Handle("POST /admin/ratelimit/clear/{ip}", h.limited("ratelimit_clear", h.requireAuth(http.HandlerFunc(h.handleRateLimitClear))))
	mux.Handle("GET /admin/ratelimit/stats/{ip}", h.requireAuth(h.recorded("ratelimit_stats", http.HandlerFunc(h.handleRateLimitStats))))

	// Audit query plane.
	mux.Handle("GET /audit/logs", h.requireAuth(h.recorded("audit_query", http.HandlerFunc(h.handleAuditLogs))))
	mux.Handle("GET /audit/stats", h.requireAuth(h.recorded("audit_stats", http.HandlerFunc(h.handleAuditStats))))

	return securityHeadersMiddleware(mux)
}

// respondJSON writes a JSON response with the given status code and data.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v.
func (h *Handler) readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a named path parameter from the request URL.
func (h *Handler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
