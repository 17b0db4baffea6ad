package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/nestlog/internal/app"
	"github.com/MarcoPoloResearchLab/nestlog/internal/config"
	"github.com/MarcoPoloResearchLab/nestlog/internal/coordinator"
	"github.com/MarcoPoloResearchLab/nestlog/internal/logging"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "nestlog",
		Short:        "Offline-first baby and labor log shared across a household",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newHouseholdCommand(),
		newContractionCommand(),
		newFeedingCommand(),
		newDiaperCommand(),
		newListCommand(),
		newSyncCommand(),
		newRunCommand(),
	)
	rootCmd.AddCommand(newSignalCommands()...)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDeviceDefaults(viper.GetViper())
	defaults := viper.New()
	config.ApplyDeviceDefaults(defaults)
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env when present)")
	flags.String("device-id", "", "Override the persisted device id")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("relay-http-url", defaults.GetString("relay.http_url"), "Relay HTTP base URL")
	flags.String("relay-ws-url", defaults.GetString("relay.ws_url"), "Relay WebSocket URL")
	flags.Duration("debounce", defaults.GetDuration("sync.debounce"), "Delay that batches local writes into one push")
	flags.Bool("offline", false, "Treat the device as offline; nothing is pushed")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "relay.http_url", "relay-http-url")
	bindFlag(cmd, "relay.ws_url", "relay-ws-url")
	bindFlag(cmd, "sync.debounce", "debounce")
	bindFlag(cmd, "connectivity.offline", "offline")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withApp opens the device, optionally starts sync, runs fn and flushes once more before closing so
// one-shot commands leave nothing behind that could have been pushed.
func withApp(ctx context.Context, start bool, fn func(context.Context, *app.App) error) error {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(deviceConfig.LogLevel, logging.WithConsole())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	device, err := app.New(ctx, app.Config{Device: deviceConfig, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := device.Close(); closeErr != nil {
			logger.Warn("device close failed", zap.Error(closeErr))
		}
	}()

	if start {
		if err := device.Start(ctx); err != nil {
			return err
		}
	}
	if err := fn(ctx, device); err != nil {
		return err
	}
	if start && ctx.Err() == nil && device.Mode() == coordinator.ModeActive {
		return device.SyncNow(ctx)
	}
	return nil
}
