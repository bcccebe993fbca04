package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  path: /tmp/bookpay.db
gateway:
  base_url: https://checkout.example.com/api
  merchant_id: mid-001
  api_key: secret-key
`

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bookpay", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout())
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "X-User-ID", cfg.API.CallerHeader)
	assert.Equal(t, "Payments", cfg.Finance.SheetName)
	assert.Greater(t, cfg.API.RateLimit.RPS, 0.0)
	assert.Equal(t, 10, cfg.API.RateLimit.Burst)
	assert.Greater(t, cfg.Sweeper.Interval(), time.Duration(0))
	assert.Greater(t, cfg.Sweeper.HoldTTL(), time.Duration(0))
	assert.Equal(t, 9091, cfg.Monitoring.PrometheusPort)
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
sweeper:
  interval_seconds: 5
  batch_size: 25
  hold_ttl_minutes: 20
api:
  port: 9000
  caller_header: X-Caller
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval())
	assert.Equal(t, 25, cfg.Sweeper.BatchSize)
	assert.Equal(t, 20*time.Minute, cfg.Sweeper.HoldTTL())
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "X-Caller", cfg.API.CallerHeader)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_PAYWAY_KEY", "env-secret")

	path := writeConfig(t, `
database:
  path: /tmp/bookpay.db
gateway:
  base_url: https://checkout.example.com/api
  merchant_id: mid-001
  api_key: ${TEST_PAYWAY_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Gateway.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Path: "/tmp/bookpay.db"},
			Gateway: GatewayConfig{
				BaseURL:    "https://checkout.example.com/api",
				MerchantID: "mid-001",
				APIKey:     "secret-key",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"missing merchant id", func(c *Config) { c.Gateway.MerchantID = "" }, "merchant_id"},
		{"missing api key", func(c *Config) { c.Gateway.APIKey = "" }, "api_key"},
		{"placeholder api key", func(c *Config) { c.Gateway.APIKey = "YOUR_API_KEY_HERE" }, "api_key"},
		{"missing base url", func(c *Config) { c.Gateway.BaseURL = "" }, "base_url"},
		{"finance enabled without spreadsheet", func(c *Config) { c.Finance.Enabled = true }, "spreadsheet_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
