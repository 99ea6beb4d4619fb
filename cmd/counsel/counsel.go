// Package counselcmder
package counselcmder

import (
	"github.com/spf13/cobra"

	authcmder "github.com/counselhq/counsel/cmd/counsel/auth"
	casescmder "github.com/counselhq/counsel/cmd/counsel/cases"
	chatcmder "github.com/counselhq/counsel/cmd/counsel/chat"
	configcmder "github.com/counselhq/counsel/cmd/counsel/config"
	initcmder "github.com/counselhq/counsel/cmd/counsel/init"
	logincmder "github.com/counselhq/counsel/cmd/counsel/login"
	servecmder "github.com/counselhq/counsel/cmd/counsel/serve"
	versioncmder "github.com/counselhq/counsel/cmd/version"
)

const counselLongDesc string = `Counsel is an AI legal assistant you can run yourself.

Run services using:
  counsel serve api      Run the account and case API server
  counsel serve proxy    Run the AI proxy server
  counsel serve          Run both servers together

Talk to a running counsel:
  counsel login          Sign in and store a session
  counsel chat           Open an interactive consultation
  counsel cases          List your matters`

const counselShortDesc string = "Counsel - AI legal assistant"

func NewCounselCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counsel",
		Short: counselShortDesc,
		Long:  counselLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .counsel/ config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(authcmder.NewAuthCmd())
	cmd.AddCommand(logincmder.NewLoginCmd())
	cmd.AddCommand(logincmder.NewLogoutCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(casescmder.NewCasesCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
