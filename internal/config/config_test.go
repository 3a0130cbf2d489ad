package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// validBase returns a config that passes validation for alert mode, which
// needs no wallet credentials.
func validBase() Config {
	cfg := Defaults()
	cfg.Mode = "alert"
	return cfg
}

func TestDefaultsValidateForAlertMode(t *testing.T) {
	cfg := validBase()
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresWalletForTrading(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "trade"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")

	cfg.Wallet.PrivateKey = "0xabc"
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "spectate"
	cfg.Trading.EntrySize = 0
	cfg.Presets = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "entry_size must be > 0")
	assert.Contains(t, err.Error(), "at least one preset")
}

func TestValidateRejectsPartialAPICredentials(t *testing.T) {
	cfg := validBase()
	cfg.Polymarket.ApiKey = "key-only"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must all be set together")
}

func TestValidateRejectsDuplicatePresets(t *testing.T) {
	cfg := validBase()
	cfg.Presets = []string{"eth-1h", "eth-1h"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate preset "eth-1h"`)
}

func TestValidateChecksS3OnlyWhenArchiving(t *testing.T) {
	cfg := validBase()
	cfg.S3.Bucket = ""
	require.NoError(t, cfg.Validate())

	cfg.Mode = "archive"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
}

func TestDefaultNotifyEventsAreRealLifecycleEvents(t *testing.T) {
	known := map[string]bool{
		domain.EventPositionOpened:   true,
		domain.EventPositionClosed:   true,
		domain.EventEntrySkipped:     true,
		domain.EventExitRetry:        true,
		domain.EventUrgencyExit:      true,
		domain.EventOrderSubmitted:   true,
		domain.EventOrderFilled:      true,
		domain.EventOrderFailed:      true,
		domain.EventCandleClosed:     true,
		domain.EventStreakAlert:      true,
		domain.EventIntegrityAlert:   true,
		domain.EventLedgerViolation:  true,
		domain.EventLedgerBackfilled: true,
		domain.EventLedgerUnresolved: true,
	}

	events := Defaults().Notify.Events
	for _, e := range events {
		assert.True(t, known[e], "default notify event %q is not emitted anywhere", e)
	}

	// Operator-facing failures must be delivered out of the box.
	assert.Contains(t, events, domain.EventOrderFailed)
	assert.Contains(t, events, domain.EventExitRetry)
	assert.Contains(t, events, domain.EventLedgerViolation)
	assert.Contains(t, events, domain.EventLedgerBackfilled)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "alert"
presets = ["btc-15m", "sol-4h"]

[trading]
entry_size = 12.5
exit_lead_time = "45s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alert", cfg.Mode)
	assert.Equal(t, []string{"btc-15m", "sol-4h"}, cfg.Presets)
	assert.Equal(t, 12.5, cfg.Trading.EntrySize)
	assert.Equal(t, 45*time.Second, cfg.Trading.ExitLeadTime.Duration)
	// Untouched values keep their defaults.
	assert.Equal(t, 0.15, cfg.Trading.UrgencyExitDelta)
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "alert"

[redis]
addr = "file:6379"
`), 0o600))

	t.Setenv("CANDLEBOT_REDIS_ADDR", "env:6379")
	t.Setenv("CANDLEBOT_PRESETS", "eth-1h, xrp-1d")
	t.Setenv("CANDLEBOT_TRADING_ENTRY_SIZE", "7.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"eth-1h", "xrp-1d"}, cfg.Presets)
	assert.Equal(t, 7.5, cfg.Trading.EntrySize)
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := validBase()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "s3secret"

	out := RedactedConfig(&cfg)
	assert.NotContains(t, out.Wallet.PrivateKey, "deadbeef")
	assert.NotContains(t, out.Postgres.Password, "hunter2")
	assert.NotContains(t, out.S3.SecretKey, "s3secret")
}
