package admin

import (
	"net"
	"net/http"
	"time"

	"github.com/fastproxy/fastproxy/internal/config"
)

// handleReload re-reads the config source and swaps the route table.
// POST /admin/reload
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := h.reload.Reload(r.Context())
	if err != nil {
		// The reason can name upstream targets; it stays in the log and the
		// audit trail, never in the response.
		h.logger.Error("reload rejected", "error", err)
		h.auditService.RecordAdminAction(clientIP(r), "reload_failed", err.Error(), r.UserAgent())
		h.respondError(w, http.StatusInternalServerError, "configuration rejected")
		return
	}

	h.auditService.RecordAdminAction(clientIP(r), "reload", "", r.UserAgent())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reloaded",
		"routes":    result.Routes,
		"loaded_at": result.LoadedAt.UTC().Format(time.RFC3339),
	})
}

// routeResponse is one installed route.
type routeResponse struct {
	Path      string `json:"path"`
	Target    string `json:"target"`
	StripPath bool   `json:"strip_path"`
}

// handleRoutes returns the live route table, longest prefix first.
// GET /admin/routes
func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	snapshot := h.table.Load()

	routes := make([]routeResponse, 0, snapshot.Len())
	for _, rt := range snapshot.Routes() {
		routes = append(routes, routeResponse{
			Path:      rt.PathPrefix,
			Target:    rt.Upstream,
			StripPath: rt.StripPath,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"routes":    routes,
		"count":     len(routes),
		"loaded_at": snapshot.LoadedAt().UTC().Format(time.RFC3339),
	})
}

// handleConfig returns the running configuration document. Credentials and
// signing material live in the environment and never appear here.
// GET /admin/config
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.reload.Config()

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"log_level":              cfg.Server.LogLevel,
			"watch_config":           cfg.Server.WatchConfig,
			"shutdown_grace_seconds": cfg.Server.ShutdownGraceSeconds,
		},
		"routes": h.routeConfigs(cfg),
		"rate_limit": map[string]interface{}{
			"requests_per_minute": cfg.RateLimit.RequestsPerMinute,
		},
		"body_size": map[string]interface{}{
			"max_bytes": cfg.BodySize.MaxBytes,
		},
		"cors": map[string]interface{}{
			"allowed_origins": cfg.CORS.AllowedOrigins,
			"credentials":     cfg.CORS.Credentials,
			"methods":         cfg.CORS.Methods,
			"headers":         cfg.CORS.Headers,
		},
		"admin_rate_limit": map[string]interface{}{
			"attempts_per_window": cfg.AdminRateLimit.AttemptsPerWindow,
			"window_seconds":      cfg.AdminRateLimit.WindowSeconds,
			"block_seconds":       cfg.AdminRateLimit.BlockSeconds,
		},
		"forwarder": map[string]interface{}{
			"timeout_seconds":         cfg.Forwarder.TimeoutSeconds,
			"connect_timeout_seconds": cfg.Forwarder.ConnectTimeoutSeconds,
			"max_redirects":           cfg.Forwarder.MaxRedirects,
			"max_concurrent_per_host": cfg.Forwarder.MaxConcurrentPerHost,
			"append_forwarded_for":    cfg.Forwarder.AppendForwardedFor,
			"pin_upstream_ips":        cfg.Forwarder.PinUpstreamIPs,
		},
		"audit": map[string]interface{}{
			"channel_size":   cfg.Audit.ChannelSize,
			"batch_size":     cfg.Audit.BatchSize,
			"flush_interval": cfg.Audit.FlushInterval,
		},
	})
}

func (h *Handler) routeConfigs(cfg *config.Config) []routeResponse {
	routes := make([]routeResponse, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, routeResponse{
			Path:      rc.Path,
			Target:    rc.Target,
			StripPath: rc.StripPath,
		})
	}
	return routes
}

// handleStatus returns operational figures for monitoring.
// GET /admin/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.table.Load()

	status := map[string]interface{}{
		"uptime_seconds": int(h.now().Sub(h.startTime).Seconds()),
		"routes":         snapshot.Len(),
		"loaded_at":      snapshot.LoadedAt().UTC().Format(time.RFC3339),
		"rate_limit": map[string]interface{}{
			"tracked_ips": h.limiter.TrackedIPs(),
		},
		"audit": map[string]interface{}{
			"dropped_events": h.auditService.DroppedEvents(),
			"queue_depth":    h.auditService.ChannelDepth(),
			"queue_capacity": h.auditService.ChannelCapacity(),
		},
		"config_file": config.ConfigFileUsed(),
	}
	if h.buildInfo != nil {
		status["version"] = h.buildInfo.Version
		status["commit"] = h.buildInfo.Commit
	}

	h.respondJSON(w, http.StatusOK, status)
}

// handleRateLimitClear drops one client's sliding window.
// POST /admin/ratelimit/clear/{ip}
func (h *Handler) handleRateLimitClear(w http.ResponseWriter, r *http.Request) {
	ip := h.pathParam(r, "ip")
	if net.ParseIP(ip) == nil {
		h.respondError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	cleared := h.limiter.Clear(ip)
	h.auditService.RecordAdminAction(clientIP(r), "ratelimit_clear", "ip="+ip, r.UserAgent())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"client_ip": ip,
		"cleared":   cleared,
	})
}

// handleRateLimitStats reports one client's current window usage.
// GET /admin/ratelimit/stats/{ip}
func (h *Handler) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	ip := h.pathParam(r, "ip")
	if net.ParseIP(ip) == nil {
		h.respondError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	stats := h.limiter.StatsFor(ip, h.now())
	resp := map[string]interface{}{
		"client_ip": ip,
		"count":     stats.Count,
		"limit":     h.table.Load().Policy().RequestsPerMinute,
	}
	if !stats.Oldest.IsZero() {
		resp["oldest_request"] = stats.Oldest.UTC().Format(time.RFC3339)
	}
	h.respondJSON(w, http.StatusOK, resp)
}
