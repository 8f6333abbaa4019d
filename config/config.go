// Package config loads server configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables win over it. Malformed values fall back to the
// default instead of failing startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Config holds application configuration.
type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Log     LogConfig
	Ledger  LedgerConfig
	Program loyalty.Policy

	CustomerCodeLength int
	AuditInterval      time.Duration
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	// EnableScenarios exposes the demo scenario loaders.
	EnableScenarios bool
}

type DBConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LedgerConfig tunes the optimistic retry loop.
type LedgerConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	defaults := loyalty.DefaultPolicy()

	return Config{
		Server: ServerConfig{
			Port:            getenv("SERVER_PORT", "8080"),
			ReadTimeout:     getenvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getenvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getenvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getenvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			EnableScenarios: getenvBool("SERVER_ENABLE_SCENARIOS", false),
		},
		DB: DBConfig{
			Path:        getenv("DB_PATH", "loyalty.db"),
			BusyTimeout: time.Duration(getenvInt64("DB_BUSY_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Log: LogConfig{
			Level:  strings.ToLower(getenv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getenv("LOG_FORMAT", "json")),
		},
		Ledger: LedgerConfig{
			MaxAttempts:  int(getenvInt64("LEDGER_MAX_ATTEMPTS", loyalty.DefaultMaxAttempts)),
			RetryBackoff: getenvDuration("LEDGER_RETRY_BACKOFF", loyalty.DefaultRetryBackoff),
		},
		Program: loyalty.Policy{
			AccrualPointsPerUnit:    getenvInt64("LOYALTY_ACCRUAL_POINTS_PER_UNIT", defaults.AccrualPointsPerUnit),
			BonusTierPoints:         getenvInt64("LOYALTY_BONUS_TIER_POINTS", defaults.BonusTierPoints),
			BonusPerTier:            getenvDecimal("LOYALTY_BONUS_PER_TIER", defaults.BonusPerTier),
			RedemptionPointsPerUnit: getenvInt64("LOYALTY_REDEMPTION_POINTS_PER_UNIT", defaults.RedemptionPointsPerUnit),
		},
		CustomerCodeLength: int(getenvInt64("CUSTOMER_CODE_LENGTH", loyalty.DefaultCodeLength)),
		AuditInterval:      getenvDuration("AUDIT_INTERVAL", 0),
	}
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Server.Port, ":")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string, def []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
