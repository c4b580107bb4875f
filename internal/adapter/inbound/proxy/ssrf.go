// Package proxy provides the data-plane handler: route matching, admission,
// and request forwarding.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrUnsafeUpstream is returned when a candidate upstream URL resolves into
// the deny-set. The config reload path rejects the whole document on it.
var ErrUnsafeUpstream = errors.New("unsafe upstream")

// defaultDenyCIDRs is the default deny-set for upstream targets.
var defaultDenyCIDRs = []string{
	"0.0.0.0/8",      // "this network"
	"127.0.0.0/8",    // IPv4 loopback
	"10.0.0.0/8",     // RFC 1918 private
	"172.16.0.0/12",  // RFC 1918 private
	"192.168.0.0/16", // RFC 1918 private
	"169.254.0.0/16", // link-local (cloud metadata at 169.254.169.254)
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // IPv6 unique local
	"fe80::/10",      // IPv6 link-local
	"ff00::/8",       // IPv6 multicast
}

// defaultDenyHostnames are rejected syntactically, before DNS.
var defaultDenyHostnames = []string{
	"localhost",
	"metadata.google.internal",
	"169.254.169.254",
}

// lookupFunc resolves a hostname. Swappable in tests.
type lookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Validator decides whether a candidate upstream URL is safe to install.
// Resolution happens at install time; see SafeDialContext for the hardened
// connect-time mode.
type Validator struct {
	denyNets  []*net.IPNet
	denyHosts map[string]struct{}
	lookup    lookupFunc
}

// NewValidator builds a validator. Empty lists select the default deny-set
// and metadata hostname list.
func NewValidator(denyCIDRs, denyHostnames []string) (*Validator, error) {
	if len(denyCIDRs) == 0 {
		denyCIDRs = defaultDenyCIDRs
	}
	if len(denyHostnames) == 0 {
		denyHostnames = defaultDenyHostnames
	}

	v := &Validator{
		denyHosts: make(map[string]struct{}, len(denyHostnames)),
		lookup:    net.DefaultResolver.LookupIPAddr,
	}
	for _, cidr := range denyCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid deny CIDR %q: %w", cidr, err)
		}
		v.denyNets = append(v.denyNets, network)
	}
	for _, h := range denyHostnames {
		v.denyHosts[strings.ToLower(h)] = struct{}{}
	}
	return v, nil
}

// Validate checks a candidate upstream URL and returns the addresses its
// host resolved to. Rejects when the scheme is not http/https, the host is a
// listed metadata hostname, or ANY resolved address falls in the deny-set.
func (v *Validator) Validate(ctx context.Context, rawURL string) ([]net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a valid URL", ErrUnsafeUpstream, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not allowed", ErrUnsafeUpstream, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrUnsafeUpstream, rawURL)
	}
	if _, blocked := v.denyHosts[host]; blocked {
		return nil, fmt.Errorf("%w: host %q is a blocked metadata hostname", ErrUnsafeUpstream, host)
	}

	// IP literals skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		if v.isDenied(ip) {
			return nil, fmt.Errorf("%w: address %s is in the deny-set", ErrUnsafeUpstream, ip)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := v.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: DNS resolution failed for %q: %v", ErrUnsafeUpstream, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses resolved for %q", ErrUnsafeUpstream, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if v.isDenied(a.IP) {
			return nil, fmt.Errorf("%w: %q resolves to denied address %s", ErrUnsafeUpstream, host, a.IP)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// isDenied checks whether an IP falls within the deny-set.
func (v *Validator) isDenied(ip net.IP) bool {
	for _, network := range v.denyNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// SafeDialContext returns a DialContext that re-resolves the target host,
// rejects the connection when any resolved address is denied, and pins the
// connection to the first address. This closes the DNS-rebinding window the
// install-time check leaves open, at the cost of a lookup per dial.
func (v *Validator) SafeDialContext(connectTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
		}

		if ip := net.ParseIP(host); ip != nil {
			if v.isDenied(ip) {
				return nil, fmt.Errorf("ssrf: blocked connection to denied address %s", ip)
			}
			return dialer.DialContext(ctx, network, addr)
		}

		addrs, err := v.lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("ssrf: DNS resolution failed for %q: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("ssrf: no addresses resolved for %q", host)
		}
		for _, a := range addrs {
			if v.isDenied(a.IP) {
				return nil, fmt.Errorf("ssrf: blocked connection to denied address %s (resolved from %s)", a.IP, host)
			}
		}

		pinned := net.JoinHostPort(addrs[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinned)
	}
}
