package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "LOG_LEVEL",
	"EODHD_API_KEY", "EODHD_BASE_URL", "FX_URL", "PRICE_TTL",
	"DRIP_WITHHOLDING_RATE", "DRIP_LOOKAHEAD_DAYS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("does-not-exist.toml")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Prices.GetTTL())
	assert.Equal(t, 5*time.Second, cfg.Clients.EODHD.GetTimeout())
	assert.Equal(t, 2*time.Second, cfg.Clients.FX.GetTimeout())
	assert.True(t, cfg.Drip.GetWithholdingRate().Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, 5, cfg.Drip.LookaheadDays)
	assert.True(t, cfg.Position.GetEpsilon().Equal(decimal.RequireFromString("0.00001")))
	assert.Empty(t, cfg.Storage.DatabaseURL)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
[server]
port = 9000

[storage]
sqlite_path = "data/ledger.db"

[prices]
ttl = "5m"

[drip]
withholding_rate = "0.15"
lookahead_days = 3
`)
	t.Setenv("PORT", "9100")
	t.Setenv("EODHD_API_KEY", "demo")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "data/ledger.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 5*time.Minute, cfg.Prices.GetTTL())
	assert.True(t, cfg.Drip.GetWithholdingRate().Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, 3, cfg.Drip.LookaheadDays)
	assert.Equal(t, "demo", cfg.Clients.EODHD.APIKey)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://uy.dolarapi.com", cfg.Clients.FX.BaseURL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)
	for name, body := range map[string]string{
		"bad ttl":         "[prices]\nttl = \"soon\"\n",
		"withholding one": "[drip]\nwithholding_rate = \"1\"\n",
		"bad epsilon":     "[position]\nepsilon = \"tiny\"\n",
		"not toml":        "port = = 1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}
