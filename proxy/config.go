package proxy

import "github.com/counselhq/counsel/pkg/eventstream"

// Config is the proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string

	// UpstreamURL is the upstream completion API base URL
	// (e.g., "https://api.openai.com")
	UpstreamURL string

	// Model is the model name set on every upstream request.
	Model string

	// APIKey is the upstream API bearer credential. May be empty when the
	// upstream does not require authentication.
	APIKey string

	// RateRPS is the sustained request rate allowed per user.
	// Zero falls back to 1 request per second.
	RateRPS float64

	// RateBurst is the per-user burst allowance. Zero falls back to 1.
	RateBurst uint

	// NumWorkers and QueueSize size the persistence worker pool.
	NumWorkers uint
	QueueSize  uint

	// Publisher is an optional transcript event publisher.
	// If nil, no events are published.
	Publisher eventstream.Publisher
}
