package httpsrv

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fastproxy/fastproxy/internal/domain/route"
	"github.com/fastproxy/fastproxy/internal/service"
)

// HealthResponse is the JSON body from /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports component health for the liveness endpoint.
type HealthChecker struct {
	table        *route.Table
	auditService *service.AuditService
	version      string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// are not available.
func NewHealthChecker(table *route.Table, auditService *service.AuditService, version string) *HealthChecker {
	return &HealthChecker{
		table:        table,
		auditService: auditService,
		version:      version,
	}
}

// Check inspects the route table and audit buffer.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.table != nil {
		checks["routes"] = fmt.Sprintf("%d installed", h.table.Load().Len())
	} else {
		checks["routes"] = "not configured"
	}

	if h.auditService != nil {
		depth := h.auditService.ChannelDepth()
		capacity := h.auditService.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.auditService.DroppedEvents(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
