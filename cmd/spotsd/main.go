package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/config"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load(".env.local")

	rootCmd := &cobra.Command{
		Use:   "spotsd",
		Short: "Spots sync and backfill service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newBackfillCommand(), newSyncCommand(), newPruneCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite spot cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("remote-driver", defaults.GetString("remote.driver"), "Remote document store (sqlite, postgres, redis)")
	cmd.PersistentFlags().String("remote-dsn", defaults.GetString("remote.dsn"), "Remote document store DSN")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the geocode cache and redis remote driver")
	cmd.PersistentFlags().String("geocoder-user-agent", defaults.GetString("geocoder.user_agent"), "User-Agent sent to the reverse geocoder")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "remote.driver", "remote-driver")
	bindFlag(cmd, "remote.dsn", "remote-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "geocoder.user_agent", "geocoder-user-agent")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(signalCtx)
	if err != nil {
		return err
	}
	defer app.Close()

	registry, err := app.favoritesRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()
	aggregator, err := app.ratingAggregator()
	if err != nil {
		return err
	}
	validator, err := app.sessionValidator()
	if err != nil {
		return err
	}

	go app.replicator.Run(signalCtx, app.config.SyncInterval)
	go app.coordinator.Run(signalCtx)
	go registry.Run(signalCtx, time.Minute)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    validator,
		Spots:       app.cache,
		Favorites:   registry,
		Ratings:     aggregator,
		Backfill:    app.coordinator,
		CORSOrigins: app.config.CORSOrigins,
		Logger:      app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
