// Package casescmder provides the cases command for listing and inspecting
// case transcripts.
package casescmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counselhq/counsel/pkg/apiclient"
	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/config"
	"github.com/counselhq/counsel/pkg/credentials"
)

const casesLongDesc string = `List and inspect your cases.

Without a subcommand, lists all cases on the signed-in account, newest
first. Use "show" to read a case transcript or "rm" to delete a case and
its messages.

Requires a stored session ("counsel login").

Examples:
  counsel cases
  counsel cases show 9Kxq4mT2VbWcyPzh
  counsel cases rm 9Kxq4mT2VbWcyPzh`

const casesShortDesc string = "List and inspect your cases"

type casesCommander struct {
	apiTarget string
	configDir string
}

func NewCasesCmd() *cobra.Command {
	cmder := &casesCommander{}

	cmd := &cobra.Command{
		Use:   "cases",
		Short: casesShortDesc,
		Long:  casesLongDesc,
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			cfger, err := config.NewConfiger(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cfg, err := cfger.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if !cmd.Flags().Changed("api-target") {
				cmder.apiTarget = cfg.Client.APITarget
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmder.runList()
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.PersistentFlags().StringVarP(&cmder.apiTarget, "api-target", "a", defaults.Client.APITarget, "Counsel API server URL")

	cmd.AddCommand(cmder.newShowCmd())
	cmd.AddCommand(cmder.newRmCmd())

	return cmd
}

// sessionClient builds an API client from the stored session.
func (c *casesCommander) sessionClient() (*apiclient.Client, error) {
	mgr, err := credentials.NewManager(c.configDir)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	sess, err := mgr.Session()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("not signed in. Run 'counsel login' first")
	}

	return apiclient.NewClient(c.apiTarget, sess.Token), nil
}

// friendlyErr rewrites expired-session failures into a hint.
func friendlyErr(err error) error {
	if apiclient.IsUnauthorized(err) {
		return fmt.Errorf("session expired. Run 'counsel login' again")
	}
	return err
}

func (c *casesCommander) runList() error {
	client, err := c.sessionClient()
	if err != nil {
		return err
	}

	cases, err := client.ListCases(context.Background())
	if err != nil {
		return friendlyErr(err)
	}

	if len(cases) == 0 {
		fmt.Printf("\n  %s No cases yet. Start one with 'counsel chat'.\n\n", cliui.DimStyle.Render("●"))
		return nil
	}

	fmt.Printf("\n  %s\n\n", cliui.HeaderStyle.Render(fmt.Sprintf("Cases (%d)", len(cases))))
	for _, kase := range cases {
		fmt.Printf("  %s  %s  %s\n",
			cliui.UIDStyle.Render(kase.UID),
			cliui.NameStyle.Render(kase.Title),
			cliui.DimStyle.Render(kase.UpdatedAt.Format("2006-01-02 15:04")),
		)
	}
	fmt.Println()

	return nil
}
