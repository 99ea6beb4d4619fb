// Package initcmder provides the init command for initializing a local
// .counsel directory in the current working directory.
package initcmder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/counselhq/counsel/pkg/config"
)

const (
	dirName = ".counsel"
)

const initLongDesc string = `Initialize a new .counsel/ directory in the current working directory.

Creates a local .counsel/ directory that takes precedence over the default
~/.counsel/ directory for configuration, credentials, and last-opened-case
state.

With --preset a starter config.toml is written for the named storage
setup: "local" (in-memory), "sqlite", or "postgres". Existing config
files are never overwritten.

Examples:
  counsel init
  counsel init --preset sqlite`

const initShortDesc string = "Initialize a local .counsel/ directory"

func NewInitCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInit(preset)
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "",
		"Write a starter config for a storage preset ("+strings.Join(config.ValidPresetNames(), ", ")+")")

	return cmd
}

func runInit(preset string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		fmt.Printf("Already initialized: %s\n", dir)
	case err == nil:
		return fmt.Errorf("%s exists and is not a directory", dir)
	default:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating .counsel directory: %w", err)
		}
		fmt.Printf("Initialized .counsel directory: %s\n", dir)
	}

	if preset == "" {
		return nil
	}

	return writePresetConfig(dir, preset)
}

func writePresetConfig(dir, preset string) error {
	cfg, err := config.PresetConfig(preset)
	if err != nil {
		return err
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if _, statErr := os.Stat(cfger.GetTarget()); statErr == nil {
		return fmt.Errorf("config already exists at %s; edit it with 'counsel config set'", cfger.GetTarget())
	}

	if err := cfger.SaveConfig(cfg); err != nil {
		return fmt.Errorf("writing preset config: %w", err)
	}

	fmt.Printf("Wrote %s preset config: %s\n", preset, cfger.GetTarget())
	return nil
}
