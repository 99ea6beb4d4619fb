// Package proxycmder provides the proxy server command.
package proxycmder

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/config"
	"github.com/counselhq/counsel/pkg/credentials"
	eventstreamutils "github.com/counselhq/counsel/pkg/eventstream/utils"
	"github.com/counselhq/counsel/pkg/logger"
	storageutils "github.com/counselhq/counsel/pkg/storage/utils"
	"github.com/counselhq/counsel/proxy"
)

type proxyCommander struct {
	listen        string
	upstream      string
	model         string
	storageDriver string
	sqlitePath    string
	postgresDSN   string
	eventsDriver  string
	eventsTopic   string
	rateBurst     uint
	configDir     string
	debug         bool

	v      *viper.Viper
	logger *zap.Logger
}

var proxyFlagKeys = []string{
	config.FlagProxyListenStandalone,
	config.FlagUpstream,
	config.FlagModel,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagEventsDriver,
	config.FlagEventsTopic,
	config.FlagRateBurst,
}

const proxyLongDesc string = `Run the counsel AI proxy server.

The proxy serves the two assist routes: POST /v1/chat streams a reply over
SSE, POST /v1/analyze returns a single structured assessment. Requests are
forwarded to the configured upstream completion API with counsel's legal
system prompt, and replies tied to a case are persisted asynchronously.

A standalone proxy verifies sessions issued by the API server, so it needs
the same api.auth_secret (or COUNSEL_API_AUTH_SECRET) and the same shared
storage (sqlite or postgres) the API server writes to.

The upstream API key is read from ` + credentials.UpstreamKeyEnvVar + ` or
credentials.toml (see "counsel auth upstream").`

const proxyShortDesc string = "Run the counsel AI proxy server"

func NewProxyCmd() *cobra.Command {
	cmder := &proxyCommander{}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: proxyShortDesc,
		Long:  proxyLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			config.BindRegisteredFlags(v, cmd, config.Flags, proxyFlagKeys)
			cmder.v = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}

			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagProxyListenStandalone, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsDriver, &cmder.eventsDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsTopic, &cmder.eventsTopic)
	config.AddUintFlag(cmd, config.Flags, config.FlagRateBurst, &cmder.rateBurst)

	return cmd
}

func (c *proxyCommander) run() error {
	c.logger = logger.NewLogger(c.debug || c.v.GetBool("log.debug"))
	defer c.logger.Sync()

	secret := c.v.GetString("api.auth_secret")
	if secret == "" {
		return errors.New("api.auth_secret is required: a standalone proxy can only verify sessions signed with the same secret as the API server (set it in config.toml or COUNSEL_API_AUTH_SECRET)")
	}

	driver, err := storageutils.NewDriver(context.Background(), &storageutils.NewDriverOpts{
		Driver:      c.v.GetString("storage.driver"),
		SQLitePath:  c.v.GetString("storage.sqlite_path"),
		PostgresDSN: c.v.GetString("storage.postgres_dsn"),
	})
	if err != nil {
		return fmt.Errorf("creating storage driver: %w", err)
	}
	defer driver.Close()

	storageDriver := c.v.GetString("storage.driver")
	c.logger.Info("storage ready", zap.String("driver", storageDriver))
	if storageDriver == "" || storageDriver == "inmemory" {
		c.logger.Warn("in-memory storage holds no sessions issued by a separate API server; point both services at the same sqlite or postgres database")
	}

	sessions, err := auth.NewManager(&auth.Options{
		Driver: driver,
		Secret: secret,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		Driver:  c.v.GetString("events.driver"),
		Brokers: c.v.GetStringSlice("events.brokers"),
		Topic:   c.v.GetString("events.topic"),
	})
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}
	defer publisher.Close()

	upstreamKey := ""
	if mgr, err := credentials.NewManager(c.configDir); err == nil {
		if key, err := mgr.ResolveUpstreamKey(); err == nil {
			upstreamKey = key
		}
	}

	proxyConfig := proxy.Config{
		ListenAddr:  c.v.GetString("proxy.listen"),
		UpstreamURL: c.v.GetString("proxy.upstream"),
		Model:       c.v.GetString("proxy.model"),
		APIKey:      upstreamKey,
		RateRPS:     c.v.GetFloat64("proxy.rate_rps"),
		RateBurst:   c.v.GetUint("proxy.rate_burst"),
		Publisher:   publisher,
	}

	p, err := proxy.New(proxyConfig, driver, sessions, c.logger)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}
	defer p.Close()

	c.logger.Info("starting proxy server",
		zap.String("listen", proxyConfig.ListenAddr),
		zap.String("upstream", proxyConfig.UpstreamURL),
		zap.String("model", proxyConfig.Model),
	)

	return p.Run()
}
