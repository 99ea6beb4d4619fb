package configcmder

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/counselhq/counsel/pkg/cliui"
	"github.com/counselhq/counsel/pkg/config"
)

const setLongDesc string = `Set a configuration value.

Sets the given key to the provided value in the config.toml file
stored in the .counsel/ directory. Keys use dotted notation matching
the TOML section structure.

Valid keys:
  log.debug,
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  proxy.listen, proxy.upstream, proxy.model, proxy.rate_rps, proxy.rate_burst,
  api.listen, api.auth_secret, api.access_token_ttl, api.refresh_token_ttl,
  client.proxy_target, client.api_target,
  events.driver, events.brokers, events.topic

Examples:
  counsel config set proxy.upstream https://api.openai.com
  counsel config set proxy.model gpt-4o
  counsel config set proxy.rate_burst 8`

const setShortDesc string = "Set a configuration value"

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: setShortDesc,
		Long:  setLongDesc,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return runSet(args[0], args[1], configDir)
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
	}

	return cmd
}

func runSet(key, value, configDir string) error {
	if !config.IsValidConfigKey(key) {
		return fmt.Errorf("unknown config key: %q\n\nValid keys: %s",
			key, strings.Join(config.ValidConfigKeys(), ", "))
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	target := cfger.GetTarget()
	if target != "" {
		fmt.Printf("\n  %s %s\n\n",
			cliui.KeyStyle.Render("Config file:"),
			cliui.DimStyle.Render(target),
		)
	} else {
		fmt.Printf("\n  %s\n\n", cliui.DimStyle.Render("No config file found. Using defaults."))
	}

	err = cfger.SetConfigValue(key, value)
	if err != nil {
		return err
	}

	fmt.Printf("  %s Set %s = %s\n\n",
		cliui.SuccessMark,
		cliui.KeyStyle.Render(key),
		cliui.NameStyle.Render(value),
	)
	return nil
}
