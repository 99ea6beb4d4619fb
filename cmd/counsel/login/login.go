// Package logincmder provides the login and logout commands for counsel
// account sessions.
package logincmder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/counselhq/counsel/pkg/apiclient"
	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/config"
	"github.com/counselhq/counsel/pkg/credentials"
	"github.com/counselhq/counsel/pkg/storage"
)

const loginLongDesc string = `Sign in to a counsel API server and store the session.

Prompts for your password (input is hidden). Accounts enrolled in
two-factor authentication are asked for a one-time code after the
password. The issued session is stored in credentials.toml in the
.counsel/ directory and used by "counsel chat" and "counsel cases".

With --signup a new account is created first. The first account ever
created on a server becomes its admin.

Examples:
  counsel login jane@firm.example
  counsel login --signup jane@firm.example
  counsel login -a https://counsel.firm.example jane@firm.example`

const loginShortDesc string = "Sign in and store a counsel session"

const logoutLongDesc string = `Sign out of the counsel API server.

Revokes the stored session server-side and removes it from
credentials.toml. The stored upstream API key is not touched.

Examples:
  counsel logout`

const logoutShortDesc string = "Revoke and clear the stored counsel session"

type loginCommander struct {
	apiTarget string
	signup    bool
	configDir string
}

func NewLoginCmd() *cobra.Command {
	cmder := &loginCommander{}

	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: loginShortDesc,
		Long:  loginLongDesc,
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			return resolveAPITarget(cmd, &cmder.apiTarget, cmder.configDir)
		},
		RunE: func(_ *cobra.Command, args []string) error {
			email := ""
			if len(args) > 0 {
				email = args[0]
			}
			return cmder.run(email)
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVarP(&cmder.apiTarget, "api-target", "a", defaults.Client.APITarget, "Counsel API server URL")
	cmd.Flags().BoolVar(&cmder.signup, "signup", false, "Create a new account instead of signing in")

	return cmd
}

func NewLogoutCmd() *cobra.Command {
	var apiTarget string
	var configDir string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: logoutShortDesc,
		Long:  logoutLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ = cmd.Flags().GetString("config-dir")
			return resolveAPITarget(cmd, &apiTarget, configDir)
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLogout(apiTarget, configDir)
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVarP(&apiTarget, "api-target", "a", defaults.Client.APITarget, "Counsel API server URL")

	return cmd
}

// resolveAPITarget fills the target from config unless the flag was set.
func resolveAPITarget(cmd *cobra.Command, target *string, configDir string) error {
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg, err := cfger.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !cmd.Flags().Changed("api-target") {
		*target = cfg.Client.APITarget
	}
	return nil
}

func (c *loginCommander) run(email string) error {
	ctx := context.Background()
	stdin := bufio.NewScanner(os.Stdin)

	if email == "" {
		var err error
		email, err = promptLine(stdin, "Email: ")
		if err != nil {
			return err
		}
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email is required")
	}

	password, err := promptHidden(stdin, "Password: ")
	if err != nil {
		return err
	}

	client := apiclient.NewClient(c.apiTarget, "")

	var result *apiclient.AuthResult
	if c.signup {
		displayName, err := promptLine(stdin, "Display name: ")
		if err != nil {
			return err
		}
		result, err = client.SignUp(ctx, email, password, strings.TrimSpace(displayName))
		if err != nil {
			return fmt.Errorf("signing up: %w", err)
		}
	} else {
		result, err = client.SignIn(ctx, email, password, "")
		if otpRequired(err) {
			code, perr := promptLine(stdin, "One-time code: ")
			if perr != nil {
				return perr
			}
			result, err = client.SignIn(ctx, email, password, strings.TrimSpace(code))
		}
		if err != nil {
			return fmt.Errorf("signing in: %w", err)
		}
	}

	mgr, err := credentials.NewManager(c.configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	err = mgr.SetSession(&credentials.SessionCredential{
		Email:        result.User.Email,
		Token:        result.Session.Token,
		RefreshToken: result.Session.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	fmt.Printf("\n  %s Signed in as %s %s\n\n",
		cliui.SuccessMark,
		cliui.NameStyle.Render(result.User.DisplayName),
		cliui.DimStyle.Render("("+result.User.Email+")"),
	)

	if result.User.Role == storage.RoleAdmin {
		fmt.Printf("  %s This account is the server admin.\n\n", cliui.DimStyle.Render("●"))
	}

	return nil
}

func runLogout(apiTarget, configDir string) error {
	mgr, err := credentials.NewManager(configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	sess, err := mgr.Session()
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		fmt.Printf("\n  %s Not signed in.\n\n", cliui.DimStyle.Render("●"))
		return nil
	}

	client := apiclient.NewClient(apiTarget, sess.Token)
	if err := client.SignOut(context.Background()); err != nil && !apiclient.IsUnauthorized(err) {
		// Clear the local session regardless; the server may be unreachable.
		fmt.Printf("  %s Could not revoke server-side: %v\n", cliui.WarnStyle.Render("!"), err)
	}

	if err := mgr.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	fmt.Printf("\n  %s Signed out %s\n\n",
		cliui.SuccessMark,
		cliui.DimStyle.Render("("+sess.Email+")"),
	)

	return nil
}

// otpRequired reports whether a sign-in failure asks for a one-time code.
func otpRequired(err error) bool {
	var apiErr *apiclient.APIError
	return errors.As(err, &apiErr) && apiErr.Message == auth.ErrOTPRequired.Error()
}

// promptLine reads one visible line from stdin.
func promptLine(stdin *bufio.Scanner, prompt string) (string, error) {
	fmt.Print(prompt)
	if !stdin.Scan() {
		if err := stdin.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return "", errors.New("no input received")
	}
	return stdin.Text(), nil
}

// promptHidden reads a secret without echoing when stdin is a terminal,
// falling back to a plain line read for piped input.
func promptHidden(stdin *bufio.Scanner, prompt string) (string, error) {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("checking stdin: %w", err)
	}

	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return promptLine(stdin, "")
	}

	fmt.Print(prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(secret), nil
}
