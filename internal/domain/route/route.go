// Package route contains the immutable route table and its policy values.
// A Snapshot is built once by the config loader, installed atomically into a
// Table, and never mutated afterwards. In-flight requests hold the snapshot
// pointer they matched against for their entire lifetime.
package route

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrNoRoutes is returned when a snapshot is built with an empty route list.
var ErrNoRoutes = errors.New("no routes configured")

// Route maps a path prefix to an upstream base URL.
type Route struct {
	// PathPrefix is the URL path prefix to match (e.g., "/api/").
	// Must be non-empty and begin with "/". "/" is a valid catch-all.
	PathPrefix string
	// Upstream is the upstream base URL (e.g., "https://api.example.com").
	// Absolute, scheme http or https, no query or fragment.
	Upstream string
	// StripPath controls whether PathPrefix is dropped before forwarding.
	StripPath bool
	// ResolvedAddrs holds the addresses the upstream host resolved to when
	// the route was validated. Used by the hardened dialer when IP pinning
	// is enabled; informational otherwise.
	ResolvedAddrs []net.IP
}

// ValidatePrefix checks that a path prefix has the required shape.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("path prefix must not be empty")
	}
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("path prefix %q must begin with /", prefix)
	}
	return nil
}

// ValidateUpstream checks that an upstream base URL has the required shape.
// SSRF safety of the resolved host is the validator's job, not this one.
func ValidateUpstream(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("upstream %q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream %q: missing host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream %q: query and fragment are not allowed", raw)
	}
	return nil
}

// CORSPolicy holds the cross-origin policy installed with a snapshot.
type CORSPolicy struct {
	AllowedOrigins []string
	Credentials    bool
	Methods        []string
	Headers        []string
}

// AllowsOrigin reports whether the policy permits the given origin.
func (p CORSPolicy) AllowsOrigin(origin string) bool {
	for _, o := range p.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Policy holds the admission values that were in force when the snapshot
// was loaded. Swapped together with the routes so a request never observes
// a mixed configuration.
type Policy struct {
	// RequestsPerMinute is the data-plane rate limit budget per client IP.
	RequestsPerMinute int
	// MaxBodyBytes caps the request body size. Requests declaring or
	// streaming more are rejected with 413.
	MaxBodyBytes int64
	// CORS is the cross-origin policy applied on the data plane.
	CORS CORSPolicy
	// AppendForwardedFor controls whether an inbound X-Forwarded-For chain
	// from a trusted hop is extended rather than replaced.
	AppendForwardedFor bool
}

// Snapshot is an immutable route table plus its policy. The route slice is
// ordered by prefix length descending with insertion order preserved among
// equal lengths, so a linear scan yields longest-prefix-first with earlier
// routes winning ties.
type Snapshot struct {
	routes   []Route
	policy   Policy
	loadedAt time.Time
}

// NewSnapshot validates the routes and builds an immutable snapshot.
// Route order in the input decides tie-breaks between equal-length prefixes.
func NewSnapshot(routes []Route, policy Policy) (*Snapshot, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	for i, rt := range routes {
		if err := ValidatePrefix(rt.PathPrefix); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if err := ValidateUpstream(rt.Upstream); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}

	ordered := make([]Route, len(routes))
	copy(ordered, routes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].PathPrefix) > len(ordered[j].PathPrefix)
	})

	return &Snapshot{
		routes:   ordered,
		policy:   policy,
		loadedAt: time.Now().UTC(),
	}, nil
}

// Match returns the route with the longest PathPrefix that prefixes path,
// or nil when nothing matches. Deterministic for a given snapshot.
func (s *Snapshot) Match(path string) *Route {
	for i := range s.routes {
		if strings.HasPrefix(path, s.routes[i].PathPrefix) {
			return &s.routes[i]
		}
	}
	return nil
}

// Routes returns a copy of the snapshot's routes in match-precedence order.
func (s *Snapshot) Routes() []Route {
	out := make([]Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// Len returns the number of routes in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.routes)
}

// Policy returns the policy values installed with this snapshot.
func (s *Snapshot) Policy() Policy {
	return s.policy
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}
