package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/auth"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/backfill"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/config"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/database"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/favorites"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/geocode"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/logging"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/ratings"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisNamespace = "spots"

// application holds the components shared by the server and the maintenance commands.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	cache       *spots.Cache
	remote      remote.Store
	replicator  *spots.Replicator
	coordinator *backfill.Coordinator
	closers     []func() error
}

func openApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}
	if err := app.open(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) open(ctx context.Context) error {
	db, err := database.OpenSQLite(a.config.DatabasePath, a.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sqlDB.Close)

	a.cache, err = spots.NewCache(spots.CacheConfig{Database: db, Logger: a.logger})
	if err != nil {
		return err
	}

	redisClient, err := database.OpenRedis(ctx, a.config.RedisAddress, a.config.RedisPassword, a.config.RedisDB)
	if err != nil {
		return err
	}
	if redisClient != nil {
		a.closers = append(a.closers, redisClient.Close)
	}

	a.remote, err = a.openRemote(redisClient)
	if err != nil {
		return err
	}

	a.replicator, err = spots.NewReplicator(spots.ReplicatorConfig{
		Cache:    a.cache,
		Remote:   a.remote,
		Logger:   a.logger,
		PageSize: a.config.SyncPageSize,
	})
	if err != nil {
		return err
	}

	geocoder, err := geocode.NewClient(geocode.Config{
		BaseURL:       a.config.GeocoderBaseURL,
		UserAgent:     a.config.GeocoderUserAgent,
		Language:      a.config.GeocoderLanguage,
		Timeout:       a.config.GeocoderTimeout,
		RatePerSecond: a.config.GeocoderRatePerSecond,
		Redis:         redisClient,
		CacheTTL:      a.config.GeocoderCacheTTL,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	a.coordinator, err = backfill.NewCoordinator(backfill.Config{
		Cache:          a.cache,
		Comments:       backfill.DocumentCommentCounter{Remote: a.remote},
		Localities:     geocoder,
		Language:       a.config.GeocoderLanguage,
		BatchSize:      a.config.BackfillBatchSize,
		Workers:        a.config.BackfillWorkers,
		ResolveTimeout: a.config.BackfillResolveTimeout,
		Interval:       a.config.BackfillInterval,
		Logger:         a.logger,
	})
	return err
}

func (a *application) openRemote(redisClient *redis.Client) (remote.Store, error) {
	switch a.config.RemoteDriver {
	case database.RemoteDriverRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("remote driver %q requires redis.address", a.config.RemoteDriver)
		}
		return remote.NewRedisStore(remote.RedisStoreConfig{
			Client:      redisClient,
			Namespace:   redisNamespace,
			Revisions:   remote.NewUUIDRevisions(),
			Logger:      a.logger,
			MaxAttempts: a.config.RatingMaxAttempts,
		})
	default:
		remoteDB, err := database.OpenRemoteSQL(a.config.RemoteDriver, a.config.RemoteDSN, a.logger)
		if err != nil {
			return nil, err
		}
		remoteSQL, err := remoteDB.DB()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, remoteSQL.Close)
		return remote.NewSQLStore(remote.SQLStoreConfig{
			Database:    remoteDB,
			Revisions:   remote.NewUUIDRevisions(),
			Logger:      a.logger,
			MaxAttempts: a.config.RatingMaxAttempts,
		})
	}
}

func (a *application) favoritesRegistry() (*favorites.Registry, error) {
	return favorites.NewRegistry(favorites.Config{
		Remote:      a.remote,
		Logger:      a.logger,
		IdleTimeout: a.config.FavoritesIdleTimeout,
	})
}

func (a *application) ratingAggregator() (*ratings.Aggregator, error) {
	return ratings.NewAggregator(ratings.Config{Remote: a.remote, Logger: a.logger})
}

func (a *application) sessionValidator() (*auth.SessionValidator, error) {
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(a.config.AuthSigningSecret),
		Issuer:        a.config.AuthIssuer,
	})
}

func (a *application) tokenIssuer() (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.config.AuthSigningSecret),
		Issuer:        a.config.AuthIssuer,
		TokenTTL:      a.config.AuthTokenTTL,
		Clock:         time.Now,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
