package casescmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counselhq/counsel/pkg/apiclient"
	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/llm"
)

const showLongDesc string = `Show a case transcript.

Prints every recorded turn of the case. Assistant replies are rendered
as markdown.

Examples:
  counsel cases show 9Kxq4mT2VbWcyPzh`

const showShortDesc string = "Show a case transcript"

func (c *casesCommander) newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-uid>",
		Short: showShortDesc,
		Long:  showLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.runShow(args[0])
		},
	}

	return cmd
}

func (c *casesCommander) runShow(uid string) error {
	client, err := c.sessionClient()
	if err != nil {
		return err
	}

	detail, err := client.GetCase(context.Background(), uid)
	if err != nil {
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("no case %q on this account", uid)
		}
		return friendlyErr(err)
	}

	fmt.Printf("\n  %s %s\n",
		cliui.HeaderStyle.Render(detail.Case.Title),
		cliui.UIDStyle.Render(detail.Case.UID),
	)
	fmt.Printf("  %s\n\n", cliui.DimStyle.Render(fmt.Sprintf(
		"opened %s, %d messages",
		detail.Case.CreatedAt.Format("2006-01-02"),
		len(detail.Messages),
	)))

	for _, msg := range detail.Messages {
		label := fmt.Sprintf("[%s]", msg.Role)
		fmt.Printf("  %s %s\n",
			cliui.RoleStyle.Render(label),
			cliui.DimStyle.Render(msg.CreatedAt.Format("2006-01-02 15:04")),
		)

		if msg.Role == llm.RoleAssistant {
			rendered, rerr := cliui.RenderMarkdown(msg.Content)
			if rerr != nil {
				rendered = msg.Content
			}
			fmt.Println(rendered)
			continue
		}

		fmt.Printf("  %s\n\n", msg.Content)
	}

	return nil
}
