package auth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds worker token verification settings. Tokens are checked with
// either a shared HS256 secret or the signing keys published at JWKSURL.
type Config struct {
	JWTSecret string
	JWKSURL   string
	Issuer    string
	Audience  string

	// RefreshInterval controls how often JWKS keys are re-fetched
	RefreshInterval time.Duration
}

// NewConfigFromEnv creates auth config from environment variables. A config
// with neither a secret nor a JWKS URL leaves worker auth disabled.
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		JWTSecret:       os.Getenv("WORKER_JWT_SECRET"),
		JWKSURL:         strings.TrimSpace(os.Getenv("WORKER_JWKS_URL")),
		Issuer:          os.Getenv("WORKER_JWT_ISSUER"),
		Audience:        os.Getenv("WORKER_JWT_AUDIENCE"),
		RefreshInterval: 10 * time.Minute,
	}

	if raw := os.Getenv("WORKER_JWKS_REFRESH"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_JWKS_REFRESH %q: %w", raw, err)
		}
		config.RefreshInterval = d
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Enabled reports whether worker requests must carry a bearer token
func (c *Config) Enabled() bool {
	return c != nil && (c.JWTSecret != "" || c.JWKSURL != "")
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.JWTSecret != "" && c.JWKSURL != "" {
		return fmt.Errorf("WORKER_JWT_SECRET and WORKER_JWKS_URL are mutually exclusive")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("WORKER_JWT_SECRET must be at least 32 characters")
	}
	if c.JWKSURL != "" && !strings.HasPrefix(c.JWKSURL, "https://") && !strings.HasPrefix(c.JWKSURL, "http://") {
		return fmt.Errorf("WORKER_JWKS_URL must be an http(s) URL")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("RefreshInterval must not be negative")
	}
	return nil
}
