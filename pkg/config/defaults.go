package config

const (
	defaultStorageDriver = "inmemory"

	defaultUpstream    = "https://api.openai.com"
	defaultModel       = "gpt-4o-mini"
	defaultProxyListen = ":8080"
	defaultAPIListen   = ":8081"
	defaultRateRPS     = 1.0
	defaultRateBurst   = 4

	defaultClientProxyTarget = "http://localhost:8080"
	defaultClientAPITarget   = "http://localhost:8081"

	defaultAccessTokenTTL  = "15m"
	defaultRefreshTokenTTL = "720h"

	defaultEventsDriver = "nop"
	defaultEventsTopic  = "counsel.transcripts"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		Proxy: ProxyConfig{
			Listen:    defaultProxyListen,
			Upstream:  defaultUpstream,
			Model:     defaultModel,
			RateRPS:   defaultRateRPS,
			RateBurst: defaultRateBurst,
		},
		API: APIConfig{
			Listen:          defaultAPIListen,
			AccessTokenTTL:  defaultAccessTokenTTL,
			RefreshTokenTTL: defaultRefreshTokenTTL,
		},
		Client: ClientConfig{
			ProxyTarget: defaultClientProxyTarget,
			APITarget:   defaultClientAPITarget,
		},
		Events: EventsConfig{
			Driver: defaultEventsDriver,
			Topic:  defaultEventsTopic,
		},
	}
}
