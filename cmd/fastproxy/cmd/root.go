// Package cmd provides the CLI commands for FastProxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fastproxy/fastproxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fastproxy",
	Short: "FastProxy - lightweight L7 reverse proxy",
	Long: `FastProxy is a lightweight HTTP reverse proxy with prefix routing,
per-IP rate limiting, SSRF-safe upstream validation, and a durable
audit log.

Quick start:
  1. Create a config file: fastproxy.yaml
  2. Export ADMIN_USERNAME, ADMIN_PASSWORD, and TOKEN_SIGNING_KEY
  3. Run: fastproxy serve

Configuration:
  Config is loaded from fastproxy.yaml in the current directory,
  $HOME/.fastproxy/, or /etc/fastproxy/.

  Environment variables can override config values with the FASTPROXY_
  prefix. Example: FASTPROXY_RATE_LIMIT_REQUESTS_PER_MINUTE=500

  Credentials and listener addresses come from the process environment:
  ADMIN_USERNAME, ADMIN_PASSWORD, TOKEN_SIGNING_KEY, TLS_CERT, TLS_KEY,
  LISTEN_ADDR, LISTEN_PORT_HTTP, LISTEN_PORT_HTTPS, AUDIT_PATH.

Commands:
  serve          Start the proxy
  hash-password  Pre-hash ADMIN_PASSWORD with Argon2id
  version        Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fastproxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
