package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "SPOTS"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "spots.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultAuthIssuer    = "spots"
	defaultRemoteDriver  = "sqlite"
	defaultRemoteDSN     = "spots-remote.db"
	defaultGeocoderURL   = "https://nominatim.openstreetmap.org"
	defaultGeocoderAgent = "spots-sync/1.0"
	defaultLanguage      = "en"
)

// AppConfig captures runtime configuration for the spots service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	CORSOrigins  []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthTokenTTL      time.Duration

	RemoteDriver string
	RemoteDSN    string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	GeocoderBaseURL       string
	GeocoderUserAgent     string
	GeocoderLanguage      string
	GeocoderTimeout       time.Duration
	GeocoderRatePerSecond float64
	GeocoderCacheTTL      time.Duration

	BackfillInterval       time.Duration
	BackfillBatchSize      int
	BackfillWorkers        int
	BackfillResolveTimeout time.Duration

	SyncInterval time.Duration
	SyncPageSize int

	RatingMaxAttempts int

	FavoritesIdleTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", 24*time.Hour)
	configViper.SetDefault("remote.driver", defaultRemoteDriver)
	configViper.SetDefault("remote.dsn", defaultRemoteDSN)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("geocoder.base_url", defaultGeocoderURL)
	configViper.SetDefault("geocoder.user_agent", defaultGeocoderAgent)
	configViper.SetDefault("geocoder.language", defaultLanguage)
	configViper.SetDefault("geocoder.timeout", 5*time.Second)
	configViper.SetDefault("geocoder.rate_per_second", 1.0)
	configViper.SetDefault("geocoder.cache_ttl", 30*24*time.Hour)
	configViper.SetDefault("backfill.interval", 5*time.Minute)
	configViper.SetDefault("backfill.batch_size", 25)
	configViper.SetDefault("backfill.workers", 4)
	configViper.SetDefault("backfill.resolve_timeout", 8*time.Second)
	configViper.SetDefault("sync.interval", time.Minute)
	configViper.SetDefault("sync.page_size", 200)
	configViper.SetDefault("rating.max_attempts", 5)
	configViper.SetDefault("favorites.idle_timeout", 30*time.Minute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		CORSOrigins:  configViper.GetStringSlice("http.cors_origins"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		RemoteDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("remote.driver"))),
		RemoteDSN:    configViper.GetString("remote.dsn"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		GeocoderBaseURL:       configViper.GetString("geocoder.base_url"),
		GeocoderUserAgent:     configViper.GetString("geocoder.user_agent"),
		GeocoderLanguage:      configViper.GetString("geocoder.language"),
		GeocoderTimeout:       configViper.GetDuration("geocoder.timeout"),
		GeocoderRatePerSecond: configViper.GetFloat64("geocoder.rate_per_second"),
		GeocoderCacheTTL:      configViper.GetDuration("geocoder.cache_ttl"),

		BackfillInterval:       configViper.GetDuration("backfill.interval"),
		BackfillBatchSize:      configViper.GetInt("backfill.batch_size"),
		BackfillWorkers:        configViper.GetInt("backfill.workers"),
		BackfillResolveTimeout: configViper.GetDuration("backfill.resolve_timeout"),

		SyncInterval: configViper.GetDuration("sync.interval"),
		SyncPageSize: configViper.GetInt("sync.page_size"),

		RatingMaxAttempts: configViper.GetInt("rating.max_attempts"),

		FavoritesIdleTimeout: configViper.GetDuration("favorites.idle_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.RemoteDriver {
	case "sqlite", "postgres":
		if strings.TrimSpace(c.RemoteDSN) == "" {
			return fmt.Errorf("remote.dsn is required for driver %s", c.RemoteDriver)
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for driver redis")
		}
	default:
		return fmt.Errorf("remote.driver must be sqlite, postgres or redis, got %q", c.RemoteDriver)
	}
	if strings.TrimSpace(c.GeocoderUserAgent) == "" {
		return fmt.Errorf("geocoder.user_agent is required")
	}
	if c.BackfillBatchSize <= 0 || c.BackfillBatchSize > 100 {
		return fmt.Errorf("backfill.batch_size must be between 1 and 100")
	}
	if c.BackfillWorkers <= 0 {
		return fmt.Errorf("backfill.workers must be positive")
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.RatingMaxAttempts <= 0 {
		return fmt.Errorf("rating.max_attempts must be positive")
	}
	if c.FavoritesIdleTimeout <= 0 {
		return fmt.Errorf("favorites.idle_timeout must be positive")
	}
	return nil
}
