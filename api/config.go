// Package api provides the counsel account and case service: sign-up,
// sessions, case transcripts, and account administration over HTTP.
package api

import (
	"errors"
	"time"
)

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8081")
	ListenAddr string

	// AuthSecret signs session access tokens.
	AuthSecret string

	// AccessTTL bounds access-token validity. Zero means the session
	// manager's default.
	AccessTTL time.Duration

	// RefreshTTL bounds how long a session can be refreshed. Zero means
	// the session manager's default.
	RefreshTTL time.Duration
}

// Validate checks that the configuration is complete enough to serve.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.AuthSecret == "" {
		return errors.New("auth secret is required")
	}

	return nil
}
