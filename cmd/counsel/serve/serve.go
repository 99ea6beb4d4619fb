// Package servecmder provides the serve command with subcommands for running services.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/api"
	apicmder "github.com/counselhq/counsel/cmd/counsel/serve/api"
	proxycmder "github.com/counselhq/counsel/cmd/counsel/serve/proxy"
	"github.com/counselhq/counsel/pkg/config"
	"github.com/counselhq/counsel/pkg/credentials"
	eventstreamutils "github.com/counselhq/counsel/pkg/eventstream/utils"
	"github.com/counselhq/counsel/pkg/logger"
	storageutils "github.com/counselhq/counsel/pkg/storage/utils"
	"github.com/counselhq/counsel/proxy"
)

type ServeCommander struct {
	proxyListen   string
	apiListen     string
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

// serveFlagKeys are the registry keys this command binds into viper.
var serveFlagKeys = []string{
	config.FlagProxyListen,
	config.FlagAPIListen,
	config.FlagUpstream,
	config.FlagModel,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagEventsDriver,
	config.FlagEventsTopic,
	config.FlagRateBurst,
}

const serveLongDesc string = `Run counsel services.

Use subcommands to run individual services or all services together:
  counsel serve          Run both proxy and API server together
  counsel serve api      Run just the API server
  counsel serve proxy    Run just the proxy server

Values resolve flag > environment (COUNSEL_ prefix) > config.toml > default.
The session signing secret comes from api.auth_secret (or
COUNSEL_API_AUTH_SECRET); when unset, an ephemeral secret is generated and
access tokens will not survive a restart.`

const serveShortDesc string = "Run counsel services"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			config.BindRegisteredFlags(v, cmd, config.Flags, serveFlagKeys)
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

	config.AddStringFlag(cmd, config.Flags, config.FlagProxyListen, &cmder.proxyListen)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListen, &cmder.apiListen)
	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsDriver, &cmder.eventsDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventsTopic, &cmder.eventsTopic)
	config.AddUintFlag(cmd, config.Flags, config.FlagRateBurst, &cmder.rateBurst)

	cmd.AddCommand(apicmder.NewAPICmd())
	cmd.AddCommand(proxycmder.NewProxyCmd())

	return cmd
}

func (c *ServeCommander) run() error {
	var level zap.AtomicLevel
	c.logger, level = logger.NewLeveledLogger(c.debug || c.v.GetBool("log.debug"))
	defer c.logger.Sync()

	// Create shared storage driver
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

	apiConfig, err := apicmder.ResolveAPIConfig(c.v, c.logger)
	if err != nil {
		return err
	}

	apiServer, err := api.NewServer(apiConfig, driver, publisher, c.logger)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	c.logger.Info("starting api server",
		zap.String("api_addr", apiConfig.ListenAddr),
	)

	// The proxy shares the API server's session manager so both services
	// accept the same access tokens.
	upstreamKey := resolveUpstreamKey(c.configDir, c.logger)

	proxyConfig := proxy.Config{
		ListenAddr:  c.v.GetString("proxy.listen"),
		UpstreamURL: c.v.GetString("proxy.upstream"),
		Model:       c.v.GetString("proxy.model"),
		APIKey:      upstreamKey,
		RateRPS:     c.v.GetFloat64("proxy.rate_rps"),
		RateBurst:   c.v.GetUint("proxy.rate_burst"),
		Publisher:   publisher,
	}
	p, err := proxy.New(proxyConfig, driver, apiServer.Sessions(), c.logger)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}
	defer p.Close()

	c.logger.Info("starting proxy",
		zap.String("proxy_addr", proxyConfig.ListenAddr),
		zap.String("upstream", proxyConfig.UpstreamURL),
		zap.String("model", proxyConfig.Model),
	)

	// Channel to capture errors from goroutines
	errChan := make(chan error, 2)

	// Start proxy in goroutine
	go func() {
		if err := p.Run(); err != nil {
			errChan <- fmt.Errorf("proxy error: %w", err)
		}
	}()

	// Start API server in goroutine
	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Re-apply log.debug when config.toml changes on disk
	watchDone := make(chan struct{})
	defer close(watchDone)
	go c.watchLogLevel(level, watchDone)

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		if err := apiServer.Shutdown(); err != nil {
			c.logger.Error("shutting down API server", zap.Error(err))
		}
		return nil
	}
}

// watchLogLevel watches config.toml and re-applies log.debug on change,
// so a running serve can be flipped into debug logging without a restart.
func (c *ServeCommander) watchLogLevel(level zap.AtomicLevel, done <-chan struct{}) {
	cfger, err := config.NewConfiger(c.configDir)
	if err != nil || cfger.GetTarget() == "" {
		return
	}
	path := cfger.GetTarget()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("creating config watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		c.logger.Debug("watching config dir", zap.Error(err))
		return
	}

	for {
		select {
		case <-done:
			return
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := cfger.LoadConfig()
			if err != nil {
				c.logger.Warn("reloading config", zap.Error(err))
				continue
			}

			want := zap.InfoLevel
			if cfg.Log.Debug || c.debug {
				want = zap.DebugLevel
			}
			if level.Level() != want {
				level.SetLevel(want)
				c.logger.Info("log level changed", zap.String("level", want.String()))
			}
		case err := <-watcher.Errors:
			c.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// resolveUpstreamKey loads the upstream API key from the environment or the
// credentials file. A missing key is not an error; the upstream may not
// require one.
func resolveUpstreamKey(configDir string, log *zap.Logger) string {
	mgr, err := credentials.NewManager(configDir)
	if err != nil {
		log.Debug("loading credentials", zap.Error(err))
		return ""
	}

	key, err := mgr.ResolveUpstreamKey()
	if err != nil {
		log.Debug("resolving upstream key", zap.Error(err))
		return ""
	}

	return key
}
