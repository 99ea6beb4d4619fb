// Package dotdir manages the .counsel/ and ~/.counsel directories.
//
// The directory holds the config file, stored credentials, and the chat
// client's last-opened-case state.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// dirName is the name of the counsel directory.
	dirName = ".counsel"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the target absolute path to a .counsel/ directory.
// Order of precedence is as follows:
//  1. Provided override (created if missing)
//  2. Local ./.counsel/ dir, if it exists
//  3. Home ~/.counsel/ dir, if it exists
//
// Returns "" with no error when none of the above resolve; callers that
// need a directory regardless should use Ensure.
func (m *Manager) Target(overrideDir string) (string, error) {
	if overrideDir != "" {
		if err := os.MkdirAll(overrideDir, 0o755); err != nil {
			return "", fmt.Errorf("creating counsel directory %s: %w", overrideDir, err)
		}
		return filepath.Abs(overrideDir)
	}

	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, dirName)
		if info, err := os.Stat(local); err == nil && info.IsDir() {
			return filepath.Abs(local)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	inHome := filepath.Join(home, dirName)
	if info, err := os.Stat(inHome); err == nil && info.IsDir() {
		return filepath.Abs(inHome)
	}

	return "", nil
}

// Ensure resolves like Target but never returns "": when no directory is
// found it creates ~/.counsel/ and returns it.
func (m *Manager) Ensure(overrideDir string) (string, error) {
	dir, err := m.Target(overrideDir)
	if err != nil || dir != "" {
		return dir, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir = filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating counsel directory %s: %w", dir, err)
	}

	return filepath.Abs(dir)
}
