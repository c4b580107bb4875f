package proxy

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/ratelimit"
	"github.com/fastproxy/fastproxy/internal/domain/route"
)

// Handler is the data-plane entry point. Every request that is not claimed
// by the control plane goes through it: admission, route match, forward.
type Handler struct {
	table     *route.Table
	limiter   *ratelimit.Limiter
	forwarder *Forwarder
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler builds the data-plane handler.
func NewHandler(table *route.Table, limiter *ratelimit.Limiter, forwarder *Forwarder, logger *slog.Logger) *Handler {
	return &Handler{
		table:     table,
		limiter:   limiter,
		forwarder: forwarder,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.table.Load()
	policy := snapshot.Policy()
	clientIP := ClientIP(r)

	origin := r.Header.Get("Origin")
	if origin != "" && policy.CORS.AllowsOrigin(origin) {
		applyCORSHeaders(w.Header(), policy.CORS, origin)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	if !h.limiter.Allow(clientIP, policy.RequestsPerMinute, h.now()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.DefaultWindow.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if policy.MaxBodyBytes > 0 {
		if r.ContentLength > policy.MaxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds the configured limit")
			return
		}
		// Chunked bodies declare no length; the reader enforces the cap
		// as the forwarder streams.
		r.Body = http.MaxBytesReader(w, r.Body, policy.MaxBodyBytes)
	}

	matched := snapshot.Match(r.URL.Path)
	if matched == nil {
		writeError(w, http.StatusNotFound, "no route matches the request path")
		return
	}

	h.forwarder.Forward(w, r, matched, clientIP, policy.AppendForwardedFor)
}

// applyCORSHeaders sets response CORS headers for an allowed origin. Named
// origins are echoed back with Vary so caches keep them apart.
func applyCORSHeaders(hdr http.Header, policy route.CORSPolicy, origin string) {
	if policy.Credentials {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Set("Access-Control-Allow-Credentials", "true")
		hdr.Add("Vary", "Origin")
	} else if len(policy.AllowedOrigins) == 1 && policy.AllowedOrigins[0] == "*" {
		hdr.Set("Access-Control-Allow-Origin", "*")
	} else {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Add("Vary", "Origin")
	}
	if len(policy.Methods) > 0 {
		hdr.Set("Access-Control-Allow-Methods", strings.Join(policy.Methods, ", "))
	}
	if len(policy.Headers) > 0 {
		hdr.Set("Access-Control-Allow-Headers", strings.Join(policy.Headers, ", "))
	}
}

// ClientIP extracts the peer address from the connection. Inbound
// attribution headers are deliberately not consulted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError writes the JSON error body shared by both planes.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
