// Package authcmder provides the auth command for storing the upstream
// completion API key.
package authcmder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/credentials"
	"github.com/counselhq/counsel/pkg/utils"
)

const authLongDesc string = `Store the API key for the upstream completion API.

The key is stored in credentials.toml in the .counsel/ directory and
attached by the proxy to every upstream request. The ` + credentials.UpstreamKeyEnvVar + `
environment variable, when set, takes precedence over the stored key.

This credential is separate from your counsel account session; use
"counsel login" for that.

Examples:
  counsel auth upstream              Prompt for the upstream API key
  counsel auth --show                Show the stored key (masked)
  counsel auth --remove              Remove the stored key
  echo $KEY | counsel auth upstream  Pipe the key from stdin`

const authShortDesc string = "Store the upstream completion API key"

func NewAuthCmd() *cobra.Command {
	var showFlag bool
	var removeFlag bool

	cmd := &cobra.Command{
		Use:   "auth [upstream]",
		Short: authShortDesc,
		Long:  authLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			switch {
			case showFlag:
				return runShow(configDir)
			case removeFlag:
				return runRemove(configDir)
			default:
				if len(args) == 0 {
					return errors.New("credential name required\n\nUse 'counsel auth upstream' to store the upstream API key")
				}
				return runAuth(args[0], configDir)
			}
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return []string{"upstream"}, cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
	}

	cmd.Flags().BoolVar(&showFlag, "show", false, "Show the stored key, masked")
	cmd.Flags().BoolVar(&removeFlag, "remove", false, "Remove the stored key")

	return cmd
}

func runAuth(name, configDir string) error {
	if strings.ToLower(strings.TrimSpace(name)) != "upstream" {
		return fmt.Errorf("unknown credential: %q\n\nThe only stored credential is \"upstream\" (the completion API key)", name)
	}

	apiKey, err := readAPIKey()
	if err != nil {
		return err
	}

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("API key cannot be empty")
	}

	mgr, err := credentials.NewManager(configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	if err := mgr.SetUpstreamKey(apiKey); err != nil {
		return err
	}

	fmt.Printf("\n  %s Stored upstream API key %s\n\n",
		cliui.SuccessMark,
		cliui.DimStyle.Render("("+utils.MaskSecret(apiKey)+")"),
	)

	return nil
}

func runShow(configDir string) error {
	mgr, err := credentials.NewManager(configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	key, err := mgr.UpstreamKey()
	if err != nil {
		return err
	}

	if key == "" {
		fmt.Printf("\n  %s No upstream API key stored.\n", cliui.DimStyle.Render("●"))
		fmt.Printf("  Use 'counsel auth upstream' to store one.\n\n")
		return nil
	}

	fmt.Printf("\n  %s  %s  %s\n\n",
		cliui.SuccessMark,
		cliui.NameStyle.Render("upstream"),
		cliui.DimStyle.Render(utils.MaskSecret(key)),
	)

	if env := os.Getenv(credentials.UpstreamKeyEnvVar); env != "" {
		fmt.Printf("  %s %s is set and takes precedence over the stored key.\n\n",
			cliui.WarnStyle.Render("!"),
			credentials.UpstreamKeyEnvVar,
		)
	}

	return nil
}

func runRemove(configDir string) error {
	mgr, err := credentials.NewManager(configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	if err := mgr.RemoveUpstreamKey(); err != nil {
		return err
	}

	fmt.Printf("\n  %s Removed upstream API key.\n\n", cliui.SuccessMark)

	return nil
}

// readAPIKey reads an API key from stdin. If stdin is a pipe, it reads the
// first line. Otherwise, it prompts interactively with hidden input.
func readAPIKey() (string, error) {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("checking stdin: %w", err)
	}

	// Piped input
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			return scanner.Text(), nil
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return "", errors.New("no input received on stdin")
	}

	// Interactive terminal
	fmt.Printf("Enter the upstream API key (%s): ", credentials.UpstreamKeyEnvVar)

	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("reading API key: %w", err)
	}

	return string(keyBytes), nil
}
