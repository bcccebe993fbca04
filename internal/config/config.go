package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bookpay/internal/models"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Finance    FinanceConfig    `yaml:"finance"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// GatewayConfig describes the PayWay merchant account and endpoints.
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	MerchantID     string `yaml:"merchant_id"`
	APIKey         string `yaml:"api_key"`
	ReturnURL      string `yaml:"return_url"`
	CancelURL      string `yaml:"cancel_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type SweeperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	HoldTTLMinutes  int `yaml:"hold_ttl_minutes"`
}

func (s SweeperConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SweeperConfig) HoldTTL() time.Duration {
	return time.Duration(s.HoldTTLMinutes) * time.Minute
}

type FinanceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

type TelegramConfig struct {
	BotToken  string `yaml:"bot_token"`
	OpsChatID int64  `yaml:"ops_chat_id"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Port         int                `yaml:"port"`
	Auth         APIAuthConfig      `yaml:"auth"`
	RateLimit    APIRateLimitConfig `yaml:"rate_limit"`
	CallerHeader string             `yaml:"caller_header"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env подхватывается, если присутствует
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment variables are expanded before parsing so secrets stay out
	// of the YAML file.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bookpay"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = 30
	}
	if c.Sweeper.IntervalSeconds <= 0 {
		c.Sweeper.IntervalSeconds = models.DefaultSweepIntervalSeconds
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = models.DefaultSweepBatch
	}
	if c.Sweeper.HoldTTLMinutes <= 0 {
		c.Sweeper.HoldTTLMinutes = models.DefaultHoldTTLMinutes
	}
	if c.API.Port <= 0 {
		c.API.Port = 8080
	}
	if c.API.CallerHeader == "" {
		c.API.CallerHeader = "X-User-ID"
	}
	if c.API.RateLimit.RPS <= 0 {
		c.API.RateLimit.RPS = float64(models.RateLimitRequests) / float64(models.RateLimitWindowSeconds)
	}
	if c.API.RateLimit.Burst <= 0 {
		c.API.RateLimit.Burst = 10
	}
	if c.Finance.SheetName == "" {
		c.Finance.SheetName = "Payments"
	}
	if c.Monitoring.PrometheusPort <= 0 {
		c.Monitoring.PrometheusPort = 9091
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Gateway.MerchantID == "" {
		return errors.New("gateway merchant_id is required")
	}
	if c.Gateway.APIKey == "" || c.Gateway.APIKey == "YOUR_API_KEY_HERE" {
		return errors.New("gateway api_key is required")
	}
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway base_url is required")
	}
	if c.Finance.Enabled && c.Finance.SpreadsheetID == "" {
		return errors.New("finance.spreadsheet_id is required when finance sync is enabled")
	}
	return nil
}
