package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	RemoteDriverSQLite   = "sqlite"
	RemoteDriverPostgres = "postgres"
	RemoteDriverRedis    = "redis"

	redisPingTimeout = 3 * time.Second
)

// OpenRemoteSQL opens the database backing the SQL document store and migrates the
// document table. driver is either sqlite or postgres.
func OpenRemoteSQL(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("remote.dsn is required for driver %q", driver)
	}

	var dialector gorm.Dialector
	switch driver {
	case RemoteDriverSQLite:
		dialector = sqlite.Open(dsn)
	case RemoteDriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == RemoteDriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(&remote.DocumentRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("remote document database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// OpenRedis connects to redis and verifies the connection. An empty address yields a
// nil client and no error.
func OpenRedis(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: address, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", address, err)
	}
	return client, nil
}
