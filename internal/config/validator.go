package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns actionable error messages. SSRF safety of route targets is checked
// separately by the reload path, because it needs DNS.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRouteTargets(); err != nil {
		return err
	}
	if err := c.validateCORS(); err != nil {
		return err
	}
	return nil
}

// validateRouteTargets checks target URL shape beyond the url tag: scheme
// http/https, no query or fragment.
func (c *Config) validateRouteTargets() error {
	for i, rt := range c.Routes {
		u, err := url.Parse(rt.Target)
		if err != nil {
			return fmt.Errorf("routes[%d]: target %q is not a valid URL", i, rt.Target)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("routes[%d]: target scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("routes[%d]: target %q has no host", i, rt.Target)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("routes[%d]: target must not carry a query or fragment", i)
		}
	}
	return nil
}

// validateCORS enforces that credentialed CORS cannot use a wildcard origin.
func (c *Config) validateCORS() error {
	if !c.CORS.Credentials {
		return nil
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if origin == "*" {
			return errors.New("cors: credentials=true is incompatible with allowed_origins [\"*\"]")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-facing
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "cidr":
		return fmt.Sprintf("%s must be a valid CIDR", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
