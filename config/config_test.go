package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Server.EnableScenarios)
	assert.Equal(t, "loyalty.db", cfg.DB.Path)
	assert.Equal(t, 2*time.Second, cfg.DB.BusyTimeout)
	assert.Equal(t, loyalty.DefaultMaxAttempts, cfg.Ledger.MaxAttempts)
	assert.Equal(t, loyalty.DefaultRetryBackoff, cfg.Ledger.RetryBackoff)
	assert.Equal(t, loyalty.DefaultCodeLength, cfg.CustomerCodeLength)
	assert.Equal(t, time.Duration(0), cfg.AuditInterval)
	assert.NoError(t, cfg.Program.Validate())
	assert.Equal(t, int64(50), cfg.Program.RedemptionPointsPerUnit)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://pos.example.com, https://admin.example.com,")
	t.Setenv("SERVER_ENABLE_SCENARIOS", "yes")
	t.Setenv("DB_PATH", "/var/lib/loyalty/ledger.db")
	t.Setenv("DB_BUSY_TIMEOUT_MS", "500")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "5")
	t.Setenv("LEDGER_RETRY_BACKOFF", "25ms")
	t.Setenv("LOYALTY_BONUS_TIER_POINTS", "1000")
	t.Setenv("LOYALTY_BONUS_PER_TIER", "12.50")
	t.Setenv("LOYALTY_REDEMPTION_POINTS_PER_UNIT", "40")
	t.Setenv("CUSTOMER_CODE_LENGTH", "8")
	t.Setenv("AUDIT_INTERVAL", "1h")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, []string{"https://pos.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Server.EnableScenarios)
	assert.Equal(t, "/var/lib/loyalty/ledger.db", cfg.DB.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.DB.BusyTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, int64(1000), cfg.Program.BonusTierPoints)
	assert.Equal(t, "12.50", cfg.Program.BonusPerTier.StringFixed(2))
	assert.Equal(t, int64(40), cfg.Program.RedemptionPointsPerUnit)
	assert.Equal(t, int64(1), cfg.Program.AccrualPointsPerUnit)
	assert.Equal(t, 8, cfg.CustomerCodeLength)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("LEDGER_MAX_ATTEMPTS", "three")
	t.Setenv("LEDGER_RETRY_BACKOFF", "soon")
	t.Setenv("LOYALTY_BONUS_PER_TIER", "ten")
	t.Setenv("SERVER_ENABLE_SCENARIOS", "maybe")

	cfg := Load()

	assert.Equal(t, loyalty.DefaultMaxAttempts, cfg.Ledger.MaxAttempts)
	assert.Equal(t, loyalty.DefaultRetryBackoff, cfg.Ledger.RetryBackoff)
	assert.Equal(t, "10.00", cfg.Program.BonusPerTier.StringFixed(2))
	assert.False(t, cfg.Server.EnableScenarios)
}
