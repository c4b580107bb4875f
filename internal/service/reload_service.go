package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastproxy/fastproxy/internal/config"
	"github.com/fastproxy/fastproxy/internal/domain/route"
)

// UpstreamValidator gates which upstream addresses may be installed.
type UpstreamValidator interface {
	Validate(ctx context.Context, rawURL string) ([]net.IP, error)
}

// ReloadService rebuilds the route table from the config source. Reloads are
// serialized; a failed reload leaves the running snapshot untouched.
type ReloadService struct {
	mu        sync.Mutex
	table     *route.Table
	validator UpstreamValidator
	logger    *slog.Logger
	current   atomic.Pointer[config.Config]
}

// ReloadResult summarizes a successful reload.
type ReloadResult struct {
	Routes   int       `json:"routes"`
	LoadedAt time.Time `json:"loaded_at"`
}

// NewReloadService creates the reload service. The initial config is the one
// the server booted with.
func NewReloadService(table *route.Table, validator UpstreamValidator, initial *config.Config, logger *slog.Logger) *ReloadService {
	s := &ReloadService{
		table:     table,
		validator: validator,
		logger:    logger,
	}
	s.current.Store(initial)
	return s
}

// Config returns the last successfully installed config.
func (s *ReloadService) Config() *config.Config {
	return s.current.Load()
}

// Reload re-reads the config source, validates it end to end, and swaps the
// route table. All-or-nothing: any bad route or unsafe upstream rejects the
// whole document and keeps the previous snapshot serving.
func (s *ReloadService) Reload(ctx context.Context) (*ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := config.Load()
	if err != nil {
		s.logger.Error("config reload rejected", "error", err)
		return nil, fmt.Errorf("config invalid: %w", err)
	}

	snapshot, err := BuildSnapshot(ctx, cfg, s.validator)
	if err != nil {
		s.logger.Error("config reload rejected", "error", err)
		return nil, err
	}

	s.table.Swap(snapshot)
	s.current.Store(cfg)
	s.logger.Info("route table reloaded",
		"routes", snapshot.Len(),
		"requests_per_minute", cfg.RateLimit.RequestsPerMinute,
	)
	return &ReloadResult{Routes: snapshot.Len(), LoadedAt: snapshot.LoadedAt()}, nil
}

// BuildSnapshot turns a validated config into an installable snapshot,
// running every upstream through the validator. Used at boot and on reload.
func BuildSnapshot(ctx context.Context, cfg *config.Config, validator UpstreamValidator) (*route.Snapshot, error) {
	routes := make([]route.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		addrs, err := validator.Validate(ctx, rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Path, err)
		}
		routes = append(routes, route.Route{
			PathPrefix:    rc.Path,
			Upstream:      rc.Target,
			StripPath:     rc.StripPath,
			ResolvedAddrs: addrs,
		})
	}

	policy := route.Policy{
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		MaxBodyBytes:       cfg.BodySize.MaxBytes,
		AppendForwardedFor: cfg.Forwarder.AppendForwardedFor,
		CORS: route.CORSPolicy{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			Credentials:    cfg.CORS.Credentials,
			Methods:        cfg.CORS.Methods,
			Headers:        cfg.CORS.Headers,
		},
	}
	return route.NewSnapshot(routes, policy)
}
