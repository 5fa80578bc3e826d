package db

import (
	"strings"
	"time"

	"github.com/smallbiznis/streampay/internal/config"
	obslogger "github.com/smallbiznis/streampay/internal/observability/logger"
	"go.uber.org/zap"
)

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
	SlowQueryMs     int
}

// FromAppConfig narrows the application config to the database settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Type:            strings.ToLower(strings.TrimSpace(cfg.DBType)),
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		SlowQueryMs:     cfg.DBSlowQueryMs,
	}
}

func (c Config) connMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

func (c Config) connMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTime) * time.Second
}

func (c Config) gormLoggerConfig(log *zap.Logger) obslogger.GormLoggerConfig {
	cfg := obslogger.DefaultGormLoggerConfig()
	if c.SlowQueryMs > 0 {
		cfg.SlowThreshold = time.Duration(c.SlowQueryMs) * time.Millisecond
	}
	if log != nil {
		cfg.Base = log.Named("db")
	}
	return cfg
}
