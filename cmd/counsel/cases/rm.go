package casescmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counselhq/counsel/pkg/apiclient"
	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/dotdir"
)

const rmLongDesc string = `Delete a case and its transcript.

Removal is permanent; the case and every recorded message are deleted.

Examples:
  counsel cases rm 9Kxq4mT2VbWcyPzh`

const rmShortDesc string = "Delete a case and its transcript"

func (c *casesCommander) newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <case-uid>",
		Short: rmShortDesc,
		Long:  rmLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.runRm(args[0])
		},
	}

	return cmd
}

func (c *casesCommander) runRm(uid string) error {
	client, err := c.sessionClient()
	if err != nil {
		return err
	}

	if err := client.DeleteCase(context.Background(), uid); err != nil {
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("no case %q on this account", uid)
		}
		return friendlyErr(err)
	}

	// Forget the case if it was the one chat would resume.
	ddm := dotdir.NewManager()
	if last, err := ddm.LoadLastCase(c.configDir); err == nil && last != nil && last.UID == uid {
		_ = ddm.ClearLastCase(c.configDir)
	}

	fmt.Printf("\n  %s Deleted case %s\n\n",
		cliui.SuccessMark,
		cliui.UIDStyle.Render(uid),
	)

	return nil
}
