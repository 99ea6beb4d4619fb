// Package apicmder provides the counsel API server cobra command.
package apicmder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/api"
	"github.com/counselhq/counsel/pkg/config"
	eventstreamutils "github.com/counselhq/counsel/pkg/eventstream/utils"
	"github.com/counselhq/counsel/pkg/logger"
	storageutils "github.com/counselhq/counsel/pkg/storage/utils"
)

type apiCommander struct {
	listen        string
	storageDriver string
	sqlitePath    string
	postgresDSN   string
	eventsDriver  string
	eventsTopic   string
	debug         bool

	v      *viper.Viper
	logger *zap.Logger
}

var apiFlagKeys = []string{
	config.FlagAPIListenStandalone,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagEventsDriver,
	config.FlagEventsTopic,
}

const apiLongDesc string = `Run the counsel API server.

The API server owns accounts, sessions, and cases: sign-up and sign-in,
OTP enrollment, profile management, case transcripts, and the admin
surface for deactivating accounts.

The session signing secret comes from api.auth_secret in config.toml or
the COUNSEL_API_AUTH_SECRET environment variable. A standalone proxy must
be given the same secret to accept sessions issued here.`

const apiShortDesc string = "Run the counsel API server"

func NewAPICmd() *cobra.Command {
	cmder := &apiCommander{}

	cmd := &cobra.Command{
		Use:   "api",
		Short: apiShortDesc,
		Long:  apiLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			config.BindRegisteredFlags(v, cmd, config.Flags, apiFlagKeys)
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

	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListenStandalone, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsDriver, &cmder.eventsDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsTopic, &cmder.eventsTopic)

	return cmd
}

func (c *apiCommander) run() error {
	c.logger = logger.NewLogger(c.debug || c.v.GetBool("log.debug"))
	defer c.logger.Sync()

	driver, err := storageutils.NewDriver(context.Background(), &storageutils.NewDriverOpts{
		Driver:      c.v.GetString("storage.driver"),
		SQLitePath:  c.v.GetString("storage.sqlite_path"),
		PostgresDSN: c.v.GetString("storage.postgres_dsn"),
	})
	if err != nil {
		return fmt.Errorf("creating storage driver: %w", err)
	}
	defer driver.Close()
	c.logger.Info("storage ready", zap.String("driver", c.v.GetString("storage.driver")))

	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		Driver:  c.v.GetString("events.driver"),
		Brokers: c.v.GetStringSlice("events.brokers"),
		Topic:   c.v.GetString("events.topic"),
	})
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}
	defer publisher.Close()

	apiConfig, err := ResolveAPIConfig(c.v, c.logger)
	if err != nil {
		return err
	}

	server, err := api.NewServer(apiConfig, driver, publisher, c.logger)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	c.logger.Info("starting API server",
		zap.String("listen", apiConfig.ListenAddr),
	)

	return server.Run()
}

// ResolveAPIConfig builds the API server configuration from resolved viper
// values. When api.auth_secret is unset it generates an ephemeral secret, so
// a bare serve works out of the box; issued access tokens then die with the
// process.
func ResolveAPIConfig(v *viper.Viper, log *zap.Logger) (api.Config, error) {
	secret := v.GetString("api.auth_secret")
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("api.auth_secret not set, generated an ephemeral signing secret; access tokens will not survive a restart")
	}

	accessTTL, err := time.ParseDuration(v.GetString("api.access_token_ttl"))
	if err != nil {
		return api.Config{}, fmt.Errorf("parsing api.access_token_ttl: %w", err)
	}

	refreshTTL, err := time.ParseDuration(v.GetString("api.refresh_token_ttl"))
	if err != nil {
		return api.Config{}, fmt.Errorf("parsing api.refresh_token_ttl: %w", err)
	}

	return api.Config{
		ListenAddr: v.GetString("api.listen"),
		AuthSecret: secret,
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}, nil
}
