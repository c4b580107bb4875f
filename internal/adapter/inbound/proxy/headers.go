package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped per RFC 9110 and never cross the
// proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// inboundAttributionHeaders are stripped from the client request so callers
// cannot spoof attribution; the proxy sets its own values.
var inboundAttributionHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Real-Ip",
}

// connectionOptions returns the tokens named in the Connection header, which
// also become hop-by-hop for this request.
func connectionOptions(h http.Header) []string {
	var opts []string
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				opts = append(opts, token)
			}
		}
	}
	return opts
}

// buildUpstreamHeaders copies client headers onto the upstream request,
// dropping hop-by-hop headers and inbound attribution headers, then sets the
// proxy's own X-Forwarded-* and X-Real-IP values.
func buildUpstreamHeaders(dst http.Header, r *http.Request, clientIP string, appendForwardedFor bool) {
	priorForwardedFor := r.Header.Get("X-Forwarded-For")

	drop := make(map[string]struct{}, len(hopByHopHeaders)+len(inboundAttributionHeaders)+4)
	for _, h := range hopByHopHeaders {
		drop[h] = struct{}{}
	}
	for _, h := range inboundAttributionHeaders {
		drop[h] = struct{}{}
	}
	for _, opt := range connectionOptions(r.Header) {
		drop[http.CanonicalHeaderKey(opt)] = struct{}{}
	}

	for name, values := range r.Header {
		if _, skip := drop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}

	forwardedFor := clientIP
	if appendForwardedFor && priorForwardedFor != "" {
		forwardedFor = priorForwardedFor + ", " + clientIP
	}
	dst.Set("X-Forwarded-For", forwardedFor)
	dst.Set("X-Real-IP", clientIP)
	dst.Set("X-Forwarded-Host", r.Host)

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	dst.Set("X-Forwarded-Proto", proto)
}

// copyResponseHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopByHopHeaders)+4)
	for _, h := range hopByHopHeaders {
		drop[h] = struct{}{}
	}
	for _, opt := range connectionOptions(src) {
		drop[http.CanonicalHeaderKey(opt)] = struct{}{}
	}

	for name, values := range src {
		if _, skip := drop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
