package httpsrv

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fastproxy/fastproxy/internal/service"
)

// statusRecorder captures the response status and stamps X-Process-Time-Ms
// at header-write time, the last moment a header can still be set.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	start       time.Time
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	elapsed := float64(time.Since(r.start).Microseconds()) / 1000.0
	r.Header().Set("X-Process-Time-Ms", strconv.FormatFloat(elapsed, 'f', 2, 64))
	r.Header().Set("X-Proxy-By", "fastproxy")
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// RecordStatus notes a terminal status that never reaches the wire, such as
// 499 when the client disconnects mid-request.
func (r *statusRecorder) RecordStatus(code int) {
	r.status = code
}

// Flush delegates to the underlying ResponseWriter so streamed upstream
// responses are not buffered.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if !r.wroteHeader {
			r.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// RecorderMiddleware wraps the data plane: every request gets a Prometheus
// sample and an audit event carrying the final status and duration.
func RecorderMiddleware(audits *service.AuditService, metrics *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: time.Now()}

		next.ServeHTTP(rec, r)

		duration := time.Since(rec.start)
		if metrics != nil {
			metrics.RequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
			if rec.status == http.StatusTooManyRequests {
				metrics.RateLimitedTotal.Inc()
			}
		}
		if audits != nil {
			audits.RecordRequest(peerIP(r), r.Method, r.URL.Path, r.UserAgent(), rec.status, duration)
		}
	})
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
