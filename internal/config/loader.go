// Package config provides configuration loading for the proxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, fastproxy.yaml/.yml is searched in
// standard locations. The search requires an explicit YAML extension so the
// binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError.
		viper.SetConfigName("fastproxy")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: FASTPROXY_RATE_LIMIT_REQUESTS_PER_MINUTE
	viper.SetEnvPrefix("FASTPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for fastproxy.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".fastproxy"),
		"/etc/fastproxy",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "fastproxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment overrides.
// Routes are an array and must come from the file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.watch_config")
	_ = viper.BindEnv("server.shutdown_grace_seconds")

	_ = viper.BindEnv("rate_limit.requests_per_minute")
	_ = viper.BindEnv("body_size.max_bytes")

	_ = viper.BindEnv("admin_rate_limit.attempts_per_window")
	_ = viper.BindEnv("admin_rate_limit.window_seconds")
	_ = viper.BindEnv("admin_rate_limit.block_seconds")

	_ = viper.BindEnv("forwarder.timeout_seconds")
	_ = viper.BindEnv("forwarder.connect_timeout_seconds")
	_ = viper.BindEnv("forwarder.max_redirects")
	_ = viper.BindEnv("forwarder.max_concurrent_per_host")
	_ = viper.BindEnv("forwarder.append_forwarded_for")
	_ = viper.BindEnv("forwarder.pin_upstream_ips")

	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
}

// Load re-reads the configuration document, applies defaults, and validates
// it. Called both at startup and on every reload; the reload service
// serializes callers.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: env vars only. Validation will reject the empty
		// route table, which is the right answer for a proxy.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Env holds the credential and listener material read from the process
// environment at startup. These never live in the config document.
type Env struct {
	AdminUsername   string
	AdminPassword   string
	TokenSigningKey string
	TLSCert         string
	TLSKey          string
	ListenAddr      string
	HTTPPort        int
	HTTPSPort       int
	AuditPath       string
}

// LoadEnv reads the process environment.
func LoadEnv() (*Env, error) {
	e := &Env{
		AdminUsername:   os.Getenv("ADMIN_USERNAME"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		TokenSigningKey: os.Getenv("TOKEN_SIGNING_KEY"),
		TLSCert:         os.Getenv("TLS_CERT"),
		TLSKey:          os.Getenv("TLS_KEY"),
		ListenAddr:      os.Getenv("LISTEN_ADDR"),
		AuditPath:       os.Getenv("AUDIT_PATH"),
	}
	if e.ListenAddr == "" {
		e.ListenAddr = "127.0.0.1"
	}
	if e.AuditPath == "" {
		e.AuditPath = "fastproxy_audit.db"
	}

	var err error
	e.HTTPPort, err = portFromEnv("LISTEN_PORT_HTTP", 8080)
	if err != nil {
		return nil, err
	}
	e.HTTPSPort, err = portFromEnv("LISTEN_PORT_HTTPS", 8443)
	if err != nil {
		return nil, err
	}

	// TLS requires both halves of the pair.
	if (e.TLSCert == "") != (e.TLSKey == "") {
		return nil, fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	return e, nil
}

// TLSEnabled reports whether an HTTPS listener should be started.
func (e *Env) TLSEnabled() bool {
	return e.TLSCert != "" && e.TLSKey != ""
}

func portFromEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s: invalid port %q", name, raw)
	}
	return port, nil
}
