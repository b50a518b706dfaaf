package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const defaultConnectAttempts = 6

// OpenDatabase connects to MySQL for run history and idempotency keys, retrying with
// exponential backoff until ctx is done or the attempts run out.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig, logg *logrus.Logger) (*gorm.DB, error) {
	if !cfg.Enabled() {
		return nil, errors.New("DB_HOST not set")
	}

	network := "tcp"
	address := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	// Cloud Run + Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> goes through the proxy socket.
	if strings.HasPrefix(cfg.Host, "/cloudsql/") {
		network = "unix"
		address = cfg.Host
	}

	dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		cfg.User,
		cfg.Password,
		network,
		address,
		cfg.Name,
	)

	var lastErr error
	for attempt := 1; attempt <= defaultConnectAttempts; attempt++ {
		db, err := gorm.Open(mysql.Open(dsn), initConfig())
		if err == nil {
			tunePool(db, cfg)
			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				LogError(logg, "config", "OpenDatabase", "otelgorm plugin", nil, pluginErr)
			}
			if logg != nil {
				logg.WithField("attempt", attempt).Info("connected to database")
			}
			return db, nil
		}
		lastErr = err

		sleep := backoff(attempt)
		if logg != nil {
			logg.WithFields(logrus.Fields{
				"attempt": attempt,
				"retryIn": sleep.String(),
			}).Warnf("failed to connect database: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("connect database: %w", lastErr)
}

func tunePool(db *gorm.DB, cfg DatabaseConfig) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// backoff is 2^attempt seconds capped at 30s.
func backoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	sleep := time.Second * time.Duration(1<<attempt)
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
