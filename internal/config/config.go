package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// AdminToken guards catalog writes and audit reads. Empty leaves them
	// open outside production.
	AdminToken string

	OTLPEndpoint string
	LogFile      string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBSlowQueryMs     int

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Lock      LockConfig
	Chain     ChainConfig
	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled         bool
	ChunkTrackRate  float64
	ChunkTrackBurst int
	SettleRate      float64
	SettleBurst     int
}

type LockConfig struct {
	// Distributed enables the redis settlement lock on top of the in-process one.
	Distributed bool
	TTL         time.Duration
}

type ChainConfig struct {
	Mode           string
	RPCURL         string
	RPCAuthToken   string
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	MaxAttempts    uint
}

type SchedulerConfig struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	Workers           int
	RecoveryThreshold time.Duration
	EnabledJobs       []string
}

const (
	ChainModeSimulated = "simulated"
	ChainModeRPC       = "rpc"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "streampay"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AdminToken:   strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		LogFile:      strings.TrimSpace(getenv("LOG_FILE", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "streampay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBSlowQueryMs:     getenvInt("DATABASE_SLOW_QUERY_MS", 200),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getenvBool("RATE_LIMIT_ENABLED", false),
			ChunkTrackRate:  getenvFloat("RATE_LIMIT_CHUNK_TRACK_RATE", 20),
			ChunkTrackBurst: getenvInt("RATE_LIMIT_CHUNK_TRACK_BURST", 40),
			SettleRate:      getenvFloat("RATE_LIMIT_SETTLE_RATE", 1),
			SettleBurst:     getenvInt("RATE_LIMIT_SETTLE_BURST", 3),
		},
		Lock: LockConfig{
			Distributed: getenvBool("SETTLEMENT_LOCK_DISTRIBUTED", false),
			TTL:         getenvDuration("SETTLEMENT_LOCK_TTL", 2*time.Minute),
		},
		Chain: ChainConfig{
			Mode:           normalizeChainMode(getenv("CHAIN_MODE", ChainModeSimulated)),
			RPCURL:         strings.TrimSpace(getenv("CHAIN_RPC_URL", "")),
			RPCAuthToken:   strings.TrimSpace(getenv("CHAIN_RPC_AUTH_TOKEN", "")),
			SubmitTimeout:  getenvDuration("CHAIN_SUBMIT_TIMEOUT", 30*time.Second),
			ConfirmTimeout: getenvDuration("CHAIN_CONFIRM_TIMEOUT", 60*time.Second),
			MaxAttempts:    uint(getenvInt("CHAIN_MAX_ATTEMPTS", 5)),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", 30*time.Second),
			BatchSize:         getenvInt("SCHEDULER_BATCH_SIZE", 50),
			Workers:           getenvInt("SCHEDULER_WORKERS", 8),
			RecoveryThreshold: getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 5*time.Minute),
			EnabledJobs:       parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

// RedisEnabled reports whether a redis endpoint is configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func normalizeChainMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ChainModeRPC:
		return ChainModeRPC
	default:
		return ChainModeSimulated
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
