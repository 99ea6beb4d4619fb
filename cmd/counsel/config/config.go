// Package configcmder provides the config command for managing persistent
// counsel configuration stored in the .counsel/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent counsel configuration.

Configuration is stored as config.toml in the .counsel/ directory and
provides default values for command flags. CLI flags always take
precedence over config file values, and environment variables with the
COUNSEL_ prefix take precedence over both the file and defaults.

Keys use dotted notation matching the TOML section structure:
  log.debug,
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  proxy.listen, proxy.upstream, proxy.model, proxy.rate_rps, proxy.rate_burst,
  api.listen, api.auth_secret, api.access_token_ttl, api.refresh_token_ttl,
  client.proxy_target, client.api_target,
  events.driver, events.brokers, events.topic

Use subcommands to get, set, or list configuration values:
  counsel config set <key> <value>    Set a configuration value
  counsel config get <key>            Get a configuration value
  counsel config list                 List all configuration values

Examples:
  counsel config set proxy.upstream https://api.openai.com
  counsel config set storage.driver sqlite
  counsel config get proxy.model
  counsel config list`

const configShortDesc string = "Manage persistent counsel configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
