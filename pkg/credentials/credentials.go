package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/counselhq/counsel/pkg/dotdir"
)

const (
	credentialsFile = "credentials.toml"

	currentVersion = 0

	// UpstreamKeyEnvVar is the environment variable checked before the
	// credentials file when resolving the upstream API key.
	UpstreamKeyEnvVar = "OPENAI_API_KEY"
)

// Manager manages reading and writing credentials.toml in the .counsel/ directory.
type Manager struct {
	ddm        *dotdir.Manager
	targetPath string
}

// NewManager creates a new credentials Manager. If override is non-empty it is
// used as the .counsel/ directory; otherwise the standard dotdir resolution
// applies, creating ~/.counsel/ when no directory is found.
func NewManager(override string) (*Manager, error) {
	mgr := &Manager{}
	mgr.ddm = dotdir.NewManager()

	target, err := mgr.ddm.Ensure(override)
	if err != nil {
		return nil, err
	}

	mgr.targetPath = filepath.Join(target, credentialsFile)

	return mgr, nil
}

// Load reads credentials.toml from the target directory.
// Returns an empty Credentials if the file does not exist.
func (m *Manager) Load() (*Credentials, error) {
	data, err := os.ReadFile(m.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Credentials{Version: currentVersion}, nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	creds := &Credentials{}
	if err := toml.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	return creds, nil
}

// Save writes credentials to credentials.toml with 0600 permissions.
func (m *Manager) Save(creds *Credentials) error {
	if creds == nil {
		return errors.New("cannot save nil credentials")
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(creds); err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	if err := os.WriteFile(m.targetPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}

	return nil
}

// SetUpstreamKey stores the API key for the upstream completion API.
func (m *Manager) SetUpstreamKey(key string) error {
	creds, err := m.Load()
	if err != nil {
		return err
	}

	creds.Upstream.APIKey = key

	return m.Save(creds)
}

// UpstreamKey returns the stored upstream API key.
// Returns an empty string if no key is stored.
func (m *Manager) UpstreamKey() (string, error) {
	creds, err := m.Load()
	if err != nil {
		return "", err
	}

	return creds.Upstream.APIKey, nil
}

// RemoveUpstreamKey deletes the stored upstream API key.
func (m *Manager) RemoveUpstreamKey() error {
	creds, err := m.Load()
	if err != nil {
		return err
	}

	creds.Upstream.APIKey = ""

	return m.Save(creds)
}

// SetSession stores a signed-in session for the counsel API.
func (m *Manager) SetSession(sess *SessionCredential) error {
	if sess == nil {
		return errors.New("cannot save nil session")
	}

	creds, err := m.Load()
	if err != nil {
		return err
	}

	creds.Session = sess

	return m.Save(creds)
}

// Session returns the saved session, or nil if none is stored.
func (m *Manager) Session() (*SessionCredential, error) {
	creds, err := m.Load()
	if err != nil {
		return nil, err
	}

	return creds.Session, nil
}

// ClearSession removes the saved session.
func (m *Manager) ClearSession() error {
	creds, err := m.Load()
	if err != nil {
		return err
	}

	creds.Session = nil

	return m.Save(creds)
}

// GetTarget returns the resolved path to the credentials file.
func (m *Manager) GetTarget() string {
	return m.targetPath
}

// ResolveUpstreamKey returns the upstream API key, preferring the
// UpstreamKeyEnvVar environment variable over the credentials file.
func (m *Manager) ResolveUpstreamKey() (string, error) {
	if key := os.Getenv(UpstreamKeyEnvVar); key != "" {
		return key, nil
	}

	return m.UpstreamKey()
}
