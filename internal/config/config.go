// Package config provides the proxy configuration document: the route table
// source, admission policies, and forwarder tuning. Credentials and listen
// addresses come from the process environment, not from this document.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration document.
type Config struct {
	// Server holds listener-adjacent settings that are not admission policy.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Routes is the ordered route table. Order matters: it breaks ties
	// between equal-length prefixes.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"required,min=1,dive"`

	// RateLimit configures the data-plane per-IP limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// BodySize caps request bodies.
	BodySize BodySizeConfig `yaml:"body_size" mapstructure:"body_size"`

	// CORS is the cross-origin policy applied on the data plane.
	CORS CORSConfig `yaml:"cors" mapstructure:"cors"`

	// AdminRateLimit throttles sensitive control-plane operations.
	AdminRateLimit AdminRateLimitConfig `yaml:"admin_rate_limit" mapstructure:"admin_rate_limit"`

	// Forwarder tunes the upstream HTTP client.
	Forwarder ForwarderConfig `yaml:"forwarder" mapstructure:"forwarder"`

	// SSRF adjusts the upstream deny-set. Defaults are deny.
	SSRF SSRFConfig `yaml:"ssrf" mapstructure:"ssrf"`

	// Audit tunes the async audit writer.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// WatchConfig reloads the document automatically when the file changes.
	// The same serialized reload path as POST /admin/reload.
	WatchConfig bool `yaml:"watch_config" mapstructure:"watch_config"`

	// ShutdownGraceSeconds is how long in-flight requests get on shutdown.
	// Defaults to 30.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" mapstructure:"shutdown_grace_seconds" validate:"omitempty,min=0"`
}

// RouteConfig maps a path prefix to an upstream base URL.
type RouteConfig struct {
	// Path is the prefix to match. Must begin with "/"; "/" is a catch-all.
	Path string `yaml:"path" mapstructure:"path" validate:"required,startswith=/"`

	// Target is the upstream base URL (http or https).
	Target string `yaml:"target" mapstructure:"target" validate:"required,url"`

	// StripPath drops the matched prefix before forwarding. Default false.
	StripPath bool `yaml:"strip_path" mapstructure:"strip_path"`
}

// RateLimitConfig configures the data-plane limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the per-IP budget in a 60 s sliding window.
	// Defaults to 100.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`
}

// BodySizeConfig caps request body sizes.
type BodySizeConfig struct {
	// MaxBytes is the request body cap. Defaults to 10 MiB.
	MaxBytes int64 `yaml:"max_bytes" mapstructure:"max_bytes" validate:"omitempty,min=1"`
}

// CORSConfig is the data-plane cross-origin policy.
// credentials=true with allowed_origins=["*"] is rejected at validation.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Credentials    bool     `yaml:"credentials" mapstructure:"credentials"`
	Methods        []string `yaml:"methods" mapstructure:"methods"`
	Headers        []string `yaml:"headers" mapstructure:"headers"`
}

// AdminRateLimitConfig throttles sensitive admin operations per IP.
type AdminRateLimitConfig struct {
	// AttemptsPerWindow is the budget per (ip, operation). Defaults to 5.
	AttemptsPerWindow int `yaml:"attempts_per_window" mapstructure:"attempts_per_window" validate:"omitempty,min=1"`
	// WindowSeconds is the sliding window. Defaults to 300.
	WindowSeconds int `yaml:"window_seconds" mapstructure:"window_seconds" validate:"omitempty,min=1"`
	// BlockSeconds is the block after saturation. Defaults to 600.
	BlockSeconds int `yaml:"block_seconds" mapstructure:"block_seconds" validate:"omitempty,min=1"`
}

// ForwarderConfig tunes the upstream HTTP client.
type ForwarderConfig struct {
	// TimeoutSeconds is the total per-request deadline. Defaults to 30.
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
	// ConnectTimeoutSeconds is the dial deadline. Defaults to 5.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds" validate:"omitempty,min=1"`
	// MaxRedirects bounds upstream redirect following. 0 relays redirects
	// to the caller. Defaults to 5.
	MaxRedirects int `yaml:"max_redirects" mapstructure:"max_redirects" validate:"min=0"`
	// MaxConcurrentPerHost caps in-flight connections per upstream host.
	// Defaults to 200.
	MaxConcurrentPerHost int `yaml:"max_concurrent_per_host" mapstructure:"max_concurrent_per_host" validate:"omitempty,min=1"`
	// AppendForwardedFor extends an inbound X-Forwarded-For chain instead
	// of replacing it. Default false: the client-supplied chain is dropped.
	AppendForwardedFor bool `yaml:"append_forwarded_for" mapstructure:"append_forwarded_for"`
	// PinUpstreamIPs re-resolves and pins upstream addresses at connect
	// time (hardened SSRF mode). Default false.
	PinUpstreamIPs bool `yaml:"pin_upstream_ips" mapstructure:"pin_upstream_ips"`
}

// SSRFConfig adjusts the upstream deny-set.
type SSRFConfig struct {
	// DenyCIDRs replaces the built-in deny-set when non-empty. Operators
	// on trusted private networks may relax the defaults this way.
	DenyCIDRs []string `yaml:"deny_cidrs" mapstructure:"deny_cidrs" validate:"omitempty,dive,cidr"`
	// DenyHostnames replaces the built-in metadata hostname list when
	// non-empty.
	DenyHostnames []string `yaml:"deny_hostnames" mapstructure:"deny_hostnames"`
}

// AuditConfig tunes the async audit writer.
type AuditConfig struct {
	// ChannelSize is the bounded queue capacity. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// BatchSize is the max events per commit. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval is the commit timer (e.g. "100ms"). Defaults to "100ms".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownGraceSeconds == 0 && !viper.IsSet("server.shutdown_grace_seconds") {
		c.Server.ShutdownGraceSeconds = 30
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 100
	}
	if c.BodySize.MaxBytes == 0 {
		c.BodySize.MaxBytes = 10 << 20
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.Methods) == 0 {
		c.CORS.Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.Headers) == 0 {
		c.CORS.Headers = []string{"*"}
	}

	if c.AdminRateLimit.AttemptsPerWindow == 0 {
		c.AdminRateLimit.AttemptsPerWindow = 5
	}
	if c.AdminRateLimit.WindowSeconds == 0 {
		c.AdminRateLimit.WindowSeconds = 300
	}
	if c.AdminRateLimit.BlockSeconds == 0 {
		c.AdminRateLimit.BlockSeconds = 600
	}

	if c.Forwarder.TimeoutSeconds == 0 {
		c.Forwarder.TimeoutSeconds = 30
	}
	if c.Forwarder.ConnectTimeoutSeconds == 0 {
		c.Forwarder.ConnectTimeoutSeconds = 5
	}
	// max_redirects: 0 is meaningful (relay redirects), so only default
	// when the key is absent from the document.
	if c.Forwarder.MaxRedirects == 0 && !viper.IsSet("forwarder.max_redirects") {
		c.Forwarder.MaxRedirects = 5
	}
	if c.Forwarder.MaxConcurrentPerHost == 0 {
		c.Forwarder.MaxConcurrentPerHost = 200
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "100ms"
	}
}

// AdminWindow returns the admin limiter window as a duration.
func (c *Config) AdminWindow() time.Duration {
	return time.Duration(c.AdminRateLimit.WindowSeconds) * time.Second
}

// AdminBlock returns the admin block duration.
func (c *Config) AdminBlock() time.Duration {
	return time.Duration(c.AdminRateLimit.BlockSeconds) * time.Second
}

// ForwardTimeout returns the total per-request forward deadline.
func (c *Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Forwarder.TimeoutSeconds) * time.Second
}

// ConnectTimeout returns the upstream dial deadline.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Forwarder.ConnectTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the drain period for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// AuditFlushInterval parses the audit flush interval, falling back to 100ms.
func (c *Config) AuditFlushInterval() time.Duration {
	d, err := time.ParseDuration(c.Audit.FlushInterval)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}
