package credentials

// Credentials represents the stored secrets in credentials.toml.
type Credentials struct {
	Version  int                `toml:"version"`
	Upstream UpstreamCredential `toml:"upstream"`
	Session  *SessionCredential `toml:"session,omitempty"`
}

// UpstreamCredential holds the API key for the upstream completion API.
type UpstreamCredential struct {
	APIKey string `toml:"api_key"`
}

// SessionCredential holds a saved sign-in for the counsel API,
// written by "counsel login" and cleared by "counsel logout".
type SessionCredential struct {
	Email        string `toml:"email"`
	Token        string `toml:"token"`
	RefreshToken string `toml:"refresh_token"`
}
