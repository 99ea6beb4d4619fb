package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent counsel configuration stored as config.toml
// in the .counsel/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version int           `toml:"version"`
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
	Proxy   ProxyConfig   `toml:"proxy"`
	API     APIConfig     `toml:"api"`
	Client  ClientConfig  `toml:"client"`
	Events  EventsConfig  `toml:"events"`
}

// LogConfig holds logging settings shared by all services.
type LogConfig struct {
	Debug bool `toml:"debug,omitempty"`
}

// StorageConfig holds shared storage settings used by both proxy and API.
type StorageConfig struct {
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// ProxyConfig holds settings for the AI proxy service.
type ProxyConfig struct {
	Listen    string  `toml:"listen,omitempty"`
	Upstream  string  `toml:"upstream,omitempty"`
	Model     string  `toml:"model,omitempty"`
	RateRPS   float64 `toml:"rate_rps,omitempty"`
	RateBurst uint    `toml:"rate_burst,omitempty"`
}

// APIConfig holds account/case API server settings.
type APIConfig struct {
	Listen          string `toml:"listen,omitempty"`
	AuthSecret      string `toml:"auth_secret,omitempty"`
	AccessTokenTTL  string `toml:"access_token_ttl,omitempty"`
	RefreshTokenTTL string `toml:"refresh_token_ttl,omitempty"`
}

// ClientConfig holds settings for CLI commands that connect to the running
// proxy and API servers (e.g. counsel chat, counsel login).
// Values are full URLs (scheme + host + port).
type ClientConfig struct {
	ProxyTarget string `toml:"proxy_target,omitempty"`
	APITarget   string `toml:"api_target,omitempty"`
}

// EventsConfig holds transcript event stream settings.
type EventsConfig struct {
	Driver  string   `toml:"driver,omitempty"`
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"log.debug": {
		get: func(c *Config) string { return strconv.FormatBool(c.Log.Debug) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for log.debug: %w", err)
			}
			c.Log.Debug = b
			return nil
		},
	},
	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error { c.Storage.Driver = v; return nil },
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"proxy.listen": {
		get: func(c *Config) string { return c.Proxy.Listen },
		set: func(c *Config, v string) error { c.Proxy.Listen = v; return nil },
	},
	"proxy.upstream": {
		get: func(c *Config) string { return c.Proxy.Upstream },
		set: func(c *Config, v string) error { c.Proxy.Upstream = v; return nil },
	},
	"proxy.model": {
		get: func(c *Config) string { return c.Proxy.Model },
		set: func(c *Config, v string) error { c.Proxy.Model = v; return nil },
	},
	"proxy.rate_rps": {
		get: func(c *Config) string {
			if c.Proxy.RateRPS == 0 {
				return ""
			}
			return strconv.FormatFloat(c.Proxy.RateRPS, 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for proxy.rate_rps: %w", err)
			}
			c.Proxy.RateRPS = f
			return nil
		},
	},
	"proxy.rate_burst": {
		get: func(c *Config) string {
			if c.Proxy.RateBurst == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Proxy.RateBurst), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for proxy.rate_burst: %w", err)
			}
			c.Proxy.RateBurst = uint(n)
			return nil
		},
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"api.auth_secret": {
		get: func(c *Config) string { return c.API.AuthSecret },
		set: func(c *Config, v string) error { c.API.AuthSecret = v; return nil },
	},
	"api.access_token_ttl": {
		get: func(c *Config) string { return c.API.AccessTokenTTL },
		set: func(c *Config, v string) error { c.API.AccessTokenTTL = v; return nil },
	},
	"api.refresh_token_ttl": {
		get: func(c *Config) string { return c.API.RefreshTokenTTL },
		set: func(c *Config, v string) error { c.API.RefreshTokenTTL = v; return nil },
	},
	"client.proxy_target": {
		get: func(c *Config) string { return c.Client.ProxyTarget },
		set: func(c *Config, v string) error { c.Client.ProxyTarget = v; return nil },
	},
	"client.api_target": {
		get: func(c *Config) string { return c.Client.APITarget },
		set: func(c *Config, v string) error { c.Client.APITarget = v; return nil },
	},
	"events.driver": {
		get: func(c *Config) string { return c.Events.Driver },
		set: func(c *Config, v string) error { c.Events.Driver = v; return nil },
	},
	"events.brokers": {
		get: func(c *Config) string { return strings.Join(c.Events.Brokers, ",") },
		set: func(c *Config, v string) error {
			if v == "" {
				c.Events.Brokers = nil
				return nil
			}
			parts := strings.Split(v, ",")
			brokers := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					brokers = append(brokers, p)
				}
			}
			c.Events.Brokers = brokers
			return nil
		},
	},
	"events.topic": {
		get: func(c *Config) string { return c.Events.Topic },
		set: func(c *Config, v string) error { c.Events.Topic = v; return nil },
	},
}
