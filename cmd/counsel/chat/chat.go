// Package chatcmder provides the chat command for interactive consultations
// through the counsel proxy.
package chatcmder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/apiclient"
	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/config"
	"github.com/counselhq/counsel/pkg/credentials"
	"github.com/counselhq/counsel/pkg/dotdir"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/logger"
	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/stream"
	"github.com/counselhq/counsel/pkg/utils"
)

var (
	userPrompt    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	counselPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("counsel> ")
)

// caseTitleMaxLen bounds titles derived from the opening message.
const caseTitleMaxLen = 64

type chatCommander struct {
	proxyTarget string
	apiTarget   string
	analyze     bool
	configDir   string
	debug       bool

	logger *zap.Logger

	api      *apiclient.Client
	llm      *llm.Client
	dotdirs  *dotdir.Manager
	kase     *storage.Case
	messages []llm.Message
}

const chatLongDesc string = `Start an interactive consultation through the counsel proxy.

Messages stream back token by token and every turn is recorded on the
case transcript. With no argument the last-opened case is resumed; pass a
case UID to open a specific case, or start typing to open a new one titled
after your first message.

Requires a stored session ("counsel login") and a running counsel serve.

With --analyze each message requests a structured legal assessment instead
of a conversational reply; the result is rendered as markdown.

Examples:
  counsel chat
  counsel chat 9Kxq4mT2VbWcyPzh
  counsel chat --analyze`

const chatShortDesc string = "Interactive consultation through the counsel proxy"

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat [case-uid]",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
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

			if !cmd.Flags().Changed("proxy-target") {
				cmder.proxyTarget = cfg.Client.ProxyTarget
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			caseUID := ""
			if len(args) > 0 {
				caseUID = args[0]
			}

			return cmder.run(caseUID)
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVarP(&cmder.apiTarget, "api-target", "a", defaults.Client.APITarget, "Counsel API server URL")
	cmd.Flags().StringVarP(&cmder.proxyTarget, "proxy-target", "p", defaults.Client.ProxyTarget, "Counsel proxy URL")
	cmd.Flags().BoolVar(&cmder.analyze, "analyze", false, "Request structured legal assessments instead of conversational replies")

	return cmd
}

func (c *chatCommander) run(caseUID string) error {
	c.logger = logger.NewLogger(c.debug)
	defer func() { _ = c.logger.Sync() }()

	ctx := context.Background()

	creds, err := credentials.NewManager(c.configDir)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	user, token, err := signedInUser(ctx, creds, c.apiTarget)
	if err != nil {
		return err
	}

	c.api = apiclient.NewClient(c.apiTarget, token)
	c.llm = llm.NewClient(c.proxyTarget, token)
	c.dotdirs = dotdir.NewManager()

	fmt.Println()
	if err := c.openCase(ctx, caseUID); err != nil {
		return err
	}

	fmt.Printf("  %s %s %s\n",
		cliui.KeyStyle.Render("Signed in:"),
		cliui.NameStyle.Render(user.DisplayName),
		cliui.DimStyle.Render("("+user.Email+")"),
	)
	if c.analyze {
		fmt.Printf("  %s each message returns a structured assessment\n", cliui.WarnStyle.Render("Analyze mode:"))
	}
	fmt.Printf("\n  %s\n\n", cliui.DimStyle.Render("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print(userPrompt)
		if !scanner.Scan() {
			// EOF or error
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/exit" {
			break
		}

		if err := c.sendTurn(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "  %s %v\n", cliui.FailMark, err)
			continue
		}

		fmt.Println()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Println()
	return nil
}

// openCase resolves which case this session writes to: the given UID, the
// last-opened case, or (when neither resolves) none yet; a fresh case is
// then created lazily from the first message.
func (c *chatCommander) openCase(ctx context.Context, caseUID string) error {
	fromLast := false
	if caseUID == "" {
		last, err := c.dotdirs.LoadLastCase(c.configDir)
		if err != nil {
			return err
		}
		if last != nil {
			caseUID = last.UID
			fromLast = true
		}
	}

	if caseUID == "" {
		fmt.Printf("  %s New case\n", cliui.DimStyle.Render("●"))
		return nil
	}

	detail, err := c.api.GetCase(ctx, caseUID)
	if err != nil {
		if apiclient.IsNotFound(err) && fromLast {
			// The remembered case is gone (deleted, or another account).
			_ = c.dotdirs.ClearLastCase(c.configDir)
			fmt.Printf("  %s New case %s\n",
				cliui.DimStyle.Render("●"),
				cliui.DimStyle.Render("(last-opened case no longer exists)"),
			)
			return nil
		}
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("no case %q on this account", caseUID)
		}
		return fmt.Errorf("loading case: %w", err)
	}

	c.kase = detail.Case
	for _, msg := range detail.Messages {
		c.messages = append(c.messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	fmt.Printf("  %s Resuming %s %s\n",
		cliui.SuccessMark,
		cliui.NameStyle.Render(c.kase.Title),
		cliui.DimStyle.Render(fmt.Sprintf("(%s, %d messages)", c.kase.UID, len(detail.Messages))),
	)

	if err := c.dotdirs.SaveLastCase(&dotdir.LastCaseState{UID: c.kase.UID, Title: c.kase.Title}, c.configDir); err != nil {
		c.logger.Debug("saving last-case state", zap.Error(err))
	}

	return nil
}

// ensureCase creates the backing case on the first message, titled after it.
func (c *chatCommander) ensureCase(ctx context.Context, firstMessage string) error {
	if c.kase != nil {
		return nil
	}

	kase, err := c.api.CreateCase(ctx, utils.Truncate(firstMessage, caseTitleMaxLen))
	if err != nil {
		return fmt.Errorf("creating case: %w", err)
	}
	c.kase = kase

	fmt.Printf("  %s Opened case %s %s\n",
		cliui.SuccessMark,
		cliui.NameStyle.Render(kase.Title),
		cliui.UIDStyle.Render(kase.UID),
	)

	if err := c.dotdirs.SaveLastCase(&dotdir.LastCaseState{UID: kase.UID, Title: kase.Title}, c.configDir); err != nil {
		c.logger.Debug("saving last-case state", zap.Error(err))
	}

	return nil
}

// sendTurn records the user message on the case, sends the conversation to
// the proxy, and prints the reply. On failure the message is popped from the
// in-memory history so the user can retry.
func (c *chatCommander) sendTurn(ctx context.Context, input string) error {
	if err := c.ensureCase(ctx, input); err != nil {
		return err
	}

	if _, err := c.api.AppendMessage(ctx, c.kase.UID, llm.RoleUser, input); err != nil {
		return fmt.Errorf("recording message: %w", err)
	}

	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: input})

	var reply string
	var err error
	if c.analyze {
		reply, err = c.sendAnalyze(ctx)
	} else {
		reply, err = c.sendChat(ctx)
	}
	if err != nil {
		// Remove the failed user message so we can retry
		c.messages = c.messages[:len(c.messages)-1]
		return err
	}

	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: reply})
	return nil
}

// sendChat streams the reply, printing each new fragment as it arrives.
func (c *chatCommander) sendChat(ctx context.Context) (string, error) {
	resp, err := c.llm.Assist(ctx, &llm.AssistRequest{
		Type:     llm.TypeChat,
		Messages: c.messages,
		CaseUID:  c.kase.UID,
	})
	if err != nil {
		return "", err
	}

	fmt.Print(counselPrompt)

	// The decoder reports the cumulative reply; print only what's new.
	printed := 0
	reply, err := stream.DecodeResponse(resp, func(cumulative string) {
		fmt.Print(cumulative[printed:])
		printed = len(cumulative)
	})
	fmt.Println()
	if err != nil {
		return "", err
	}

	return reply, nil
}

// sendAnalyze requests a blocking assessment and renders it as markdown.
func (c *chatCommander) sendAnalyze(ctx context.Context) (string, error) {
	var result *llm.AnalyzeResponse
	err := cliui.Step(os.Stdout, "Analyzing", func() error {
		var err error
		result, err = c.llm.Analyze(ctx, &llm.AssistRequest{
			Type:     llm.TypeAnalyze,
			Messages: c.messages,
			CaseUID:  c.kase.UID,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	rendered, err := cliui.RenderMarkdown(result.Content)
	if err != nil {
		c.logger.Debug("rendering markdown", zap.Error(err))
		rendered = result.Content
	}
	fmt.Println(rendered)

	if result.Usage != nil {
		fmt.Printf("  %s\n", cliui.DimStyle.Render(fmt.Sprintf("%d tokens", result.Usage.TotalTokens)))
	}

	return result.Content, nil
}

// signedInUser validates the stored session against the API, refreshing the
// token pair once if the access token has expired. It returns the profile
// and a usable access token.
func signedInUser(ctx context.Context, creds *credentials.Manager, apiTarget string) (*storage.User, string, error) {
	sess, err := creds.Session()
	if err != nil {
		return nil, "", fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, "", fmt.Errorf("not signed in. Run 'counsel login' first")
	}

	client := apiclient.NewClient(apiTarget, sess.Token)
	user, err := client.Profile(ctx)
	if err == nil {
		return user, sess.Token, nil
	}
	if !apiclient.IsUnauthorized(err) {
		return nil, "", fmt.Errorf("checking session: %w", err)
	}

	// Access token expired; rotate the pair with the refresh token.
	renewed, err := client.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if apiclient.IsUnauthorized(err) {
			return nil, "", fmt.Errorf("session expired. Run 'counsel login' again")
		}
		return nil, "", fmt.Errorf("refreshing session: %w", err)
	}

	sess.Token = renewed.Token
	sess.RefreshToken = renewed.RefreshToken
	if err := creds.SetSession(sess); err != nil {
		return nil, "", fmt.Errorf("saving refreshed session: %w", err)
	}

	client.SetToken(renewed.Token)
	user, err = client.Profile(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("checking session: %w", err)
	}

	return user, renewed.Token, nil
}
