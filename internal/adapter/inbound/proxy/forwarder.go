package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fastproxy/fastproxy/internal/domain/audit"
	"github.com/fastproxy/fastproxy/internal/domain/route"
)

// statusSetter lets the forwarder record a terminal status that is never
// written to the wire, such as 499 when the client goes away mid-request.
type statusSetter interface {
	RecordStatus(code int)
}

// ForwarderOptions tune the upstream HTTP client.
type ForwarderOptions struct {
	Timeout              time.Duration
	ConnectTimeout       time.Duration
	MaxRedirects         int
	MaxConcurrentPerHost int

	// DialContext overrides the transport dialer. Used for the pinned
	// SSRF-checked dialer; nil selects a plain dialer with ConnectTimeout.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Forwarder relays a matched request to its upstream and streams the
// response back. Bodies are never buffered in full.
type Forwarder struct {
	client    *http.Client
	transport *http.Transport
	logger    *slog.Logger
}

// NewForwarder builds a forwarder with a tuned transport.
func NewForwarder(opts ForwarderOptions, logger *slog.Logger) *Forwarder {
	dial := opts.DialContext
	if dial == nil {
		dialer := &net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}
		dial = dialer.DialContext
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       opts.MaxConcurrentPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// max_redirects 0 relays 3xx responses verbatim. Past the cap
			// the last redirect response is relayed rather than erroring.
			if opts.MaxRedirects == 0 || len(via) > opts.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Forwarder{
		client:    client,
		transport: transport,
		logger:    logger,
	}
}

// Forward relays r to the route's upstream and streams the response to w.
// Error responses are written here; callers only provide the matched route.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rt *route.Route, clientIP string, appendForwardedFor bool) {
	target := buildTargetURL(rt, r)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream request could not be built")
		return
	}
	buildUpstreamHeaders(upstreamReq.Header, r, clientIP, appendForwardedFor)
	if r.ContentLength > 0 {
		upstreamReq.ContentLength = r.ContentLength
	}

	// Correlation id, minted here unless the client supplied one.
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	upstreamReq.Header.Set("X-Request-ID", requestID)
	w.Header().Set("X-Request-ID", requestID)

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		f.writeForwardError(w, r, rt, err)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Response headers are already on the wire; nothing more can be
		// sent. A vanished client is recorded as 499.
		if r.Context().Err() != nil {
			markClientCancelled(w)
			return
		}
		f.logger.Warn("upstream response stream interrupted",
			"upstream", rt.Upstream,
			"path", r.URL.Path,
			"error", err)
	}
}

// writeForwardError maps a transport failure onto the response: client
// cancel is recorded as 499 without a body, timeouts become 504, body cap
// overrun 413, everything else 502.
func (f *Forwarder) writeForwardError(w http.ResponseWriter, r *http.Request, rt *route.Route, err error) {
	if r.Context().Err() != nil {
		markClientCancelled(w)
		return
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds the configured limit")
		return
	}

	if isTimeout(err) {
		f.logger.Warn("upstream timed out", "upstream", rt.Upstream, "path", r.URL.Path)
		writeError(w, http.StatusGatewayTimeout, "upstream timed out")
		return
	}

	f.logger.Warn("upstream unreachable", "upstream", rt.Upstream, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusBadGateway, "upstream unreachable")
}

// CloseIdleConnections releases pooled upstream connections on shutdown.
func (f *Forwarder) CloseIdleConnections() {
	f.transport.CloseIdleConnections()
}

// buildTargetURL joins the route's upstream base with the request path,
// optionally stripping the matched prefix, and preserves the query string.
func buildTargetURL(rt *route.Route, r *http.Request) string {
	path := r.URL.Path
	if rt.StripPath {
		path = strings.TrimPrefix(path, rt.PathPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}

	target := strings.TrimRight(rt.Upstream, "/") + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func markClientCancelled(w http.ResponseWriter) {
	if s, ok := w.(statusSetter); ok {
		s.RecordStatus(audit.StatusClientCancelled)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
