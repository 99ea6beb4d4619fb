package dotdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	lastCaseFile = "lastcase.json"
)

// LastCaseState remembers the case the chat client most recently had open,
// so `counsel chat` with no argument resumes where the user left off.
type LastCaseState struct {
	// UID is the public identifier of the case.
	UID string `json:"uid"`

	// Title is the case title at the time it was last opened.
	Title string `json:"title"`
}

// LoadLastCase loads the last-opened-case state from .counsel/lastcase.json.
// Returns nil, nil if no state exists.
// If overrideDir is non-empty, it is used instead of the default resolution.
func (m *Manager) LoadLastCase(overrideDir string) (*LastCaseState, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, nil
	}

	path := filepath.Join(dir, lastCaseFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading last-case state: %w", err)
	}

	state := &LastCaseState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing last-case state: %w", err)
	}

	return state, nil
}

// SaveLastCase persists the last-opened-case state to .counsel/lastcase.json.
func (m *Manager) SaveLastCase(state *LastCaseState, overrideDir string) error {
	if state == nil {
		return errors.New("cannot save nil last-case state")
	}

	dir, err := m.Ensure(overrideDir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling last-case state: %w", err)
	}

	path := filepath.Join(dir, lastCaseFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing last-case state: %w", err)
	}

	return nil
}

// ClearLastCase removes the last-case state file so the next chat session
// starts from a fresh case. Returns nil if the file doesn't exist.
func (m *Manager) ClearLastCase(overrideDir string) error {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}
	if dir == "" {
		return nil
	}

	path := filepath.Join(dir, lastCaseFile)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing last-case state: %w", err)
	}

	return nil
}
