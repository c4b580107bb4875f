package httpsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sweepInterval is how often idle limiter state is pruned.
const sweepInterval = time.Minute

// MuxParts are the handlers composed into one listener mux. The control
// plane owns its reserved prefixes; everything else falls through to the
// data plane and is forwarded.
type MuxParts struct {
	DataPlane    http.Handler
	ControlPlane http.Handler
	Health       http.Handler
	Metrics      http.Handler
}

// NewMux assembles the path space. /auth, /admin, and /audit are control
// prefixes; unmatched paths under them 404 rather than being proxied.
func NewMux(parts MuxParts) *http.ServeMux {
	mux := http.NewServeMux()
	if parts.Health != nil {
		mux.Handle("GET /health", parts.Health)
	}
	if parts.Metrics != nil {
		mux.Handle("GET /metrics", parts.Metrics)
	}
	if parts.ControlPlane != nil {
		mux.Handle("/auth/", parts.ControlPlane)
		mux.Handle("/admin/", parts.ControlPlane)
		mux.Handle("/audit/", parts.ControlPlane)
	}
	if parts.DataPlane != nil {
		mux.Handle("/", parts.DataPlane)
	}
	return mux
}

// Options configure the listeners and lifecycle.
type Options struct {
	ListenAddr    string
	HTTPPort      int
	HTTPSPort     int
	TLSCert       string
	TLSKey        string
	ShutdownGrace time.Duration
}

// Server runs the HTTP listener, the optional HTTPS listener, and the
// background janitor that prunes idle limiter state.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	opts        Options
	logger      *slog.Logger
	sweeps      []func(time.Time)
}

// NewServer builds the server around a composed mux. Sweep callbacks run
// periodically on the janitor goroutine.
func NewServer(handler http.Handler, opts Options, logger *slog.Logger, sweeps ...func(time.Time)) *Server {
	s := &Server{
		opts:   opts,
		logger: logger,
		sweeps: sweeps,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.ListenAddr, opts.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.TLSCert != "" && opts.TLSKey != "" {
		s.httpsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", opts.ListenAddr, opts.HTTPSPort),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests for the
// shutdown grace period. Returns the first listener error, if any.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	s.logger.Info("http listener starting", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if s.httpsServer != nil {
		s.logger.Info("https listener starting", "addr", s.httpsServer.Addr)
		go func() {
			if err := s.httpsServer.ListenAndServeTLS(s.opts.TLSCert, s.opts.TLSKey); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	janitorDone := make(chan struct{})
	go s.janitor(janitorCtx, janitorDone)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error("listener failed", "error", runErr)
	}
	stopJanitor()

	s.logger.Info("shutting down", "grace", s.opts.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range []*http.Server{s.httpServer, s.httpsServer} {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("listener shutdown incomplete", "addr", srv.Addr, "error", err)
			}
		}(srv)
	}
	wg.Wait()
	<-janitorDone

	return runErr
}

// janitor prunes expired limiter windows so idle clients do not pin memory.
func (s *Server) janitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sweep := range s.sweeps {
				sweep(now)
			}
		}
	}
}
