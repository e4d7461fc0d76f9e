package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Identity IdentityConfig `yaml:"identity"`
	Run      RunConfig      `yaml:"run"`
	Agent    AgentConfig    `yaml:"agent"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
	Backup   BackupConfig   `yaml:"backup"`
	Notifier NotifierConfig `yaml:"notifier"`
	Logging  LoggingConfig  `yaml:"logging"`
	Exports  ExportConfig   `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// IdentityConfig is the operator on whose behalf registrations run.
type IdentityConfig struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// RunConfig holds run defaults; operators may override per run.
type RunConfig struct {
	ConcurrencyLimit   int    `yaml:"concurrency_limit"`
	InterTaskDelayMS   int    `yaml:"inter_task_delay_ms"`
	Jitter             bool   `yaml:"jitter"`
	SkipTeamRegistered *bool  `yaml:"skip_team_registered"`
	Calendar           string `yaml:"calendar"`
}

type AgentConfig struct {
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	PerHostRPS       float64 `yaml:"per_host_rps"`
	PerHostBurst     int     `yaml:"per_host_burst"`
	UserAgent        string  `yaml:"user_agent"`
}

// LedgerConfig selects the dedup ledger backend.
// backend: "http" (action-RPC endpoint), "sheets" (Google Sheets), "disabled".
type LedgerConfig struct {
	Backend   string             `yaml:"backend"`
	TimeoutMS int                `yaml:"timeout_ms"`
	HTTP      LedgerHTTPConfig   `yaml:"http"`
	Sheets    LedgerSheetsConfig `yaml:"sheets"`
	Retry     RetryConfig        `yaml:"retry"`
}

type LedgerHTTPConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

type LedgerSheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
}

type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
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

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
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

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type NotifierConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env overlay is optional.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment variables may be referenced inside the YAML.
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

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Email) == "" {
		return errors.New("identity email is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	switch c.Ledger.Backend {
	case "http":
		if c.Ledger.HTTP.Endpoint == "" {
			return errors.New("ledger.http.endpoint is required for the http backend")
		}
	case "sheets":
		if c.Ledger.Sheets.CredentialsFile == "" || c.Ledger.Sheets.SpreadsheetID == "" {
			return errors.New("ledger.sheets requires credentials_file and spreadsheet_id")
		}
	case "disabled":
	default:
		return fmt.Errorf("unknown ledger backend: %q", c.Ledger.Backend)
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled but no api_keys configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "enlist"
	}
	if c.Run.ConcurrencyLimit == 0 {
		c.Run.ConcurrencyLimit = 3
	}
	if c.Run.InterTaskDelayMS == 0 {
		c.Run.InterTaskDelayMS = 2000
	}
	if c.Run.SkipTeamRegistered == nil {
		skip := true
		c.Run.SkipTeamRegistered = &skip
	}
	if c.Agent.RequestTimeoutMS == 0 {
		c.Agent.RequestTimeoutMS = 15000
	}
	if c.Agent.PerHostRPS == 0 {
		c.Agent.PerHostRPS = 1
	}
	if c.Agent.PerHostBurst == 0 {
		c.Agent.PerHostBurst = 2
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "disabled"
	}
	if c.Ledger.TimeoutMS == 0 {
		c.Ledger.TimeoutMS = 10000
	}
	if c.Ledger.Retry.MaxRetries == 0 {
		c.Ledger.Retry.MaxRetries = 5
	}
	if c.Ledger.Retry.InitialDelayMS == 0 {
		c.Ledger.Retry.InitialDelayMS = 2000
	}
	if c.Ledger.Retry.MaxDelayMS == 0 {
		c.Ledger.Retry.MaxDelayMS = 60000
	}
	if c.Ledger.Retry.BackoffFactor == 0 {
		c.Ledger.Retry.BackoffFactor = 2
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Enabled && !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}

// InterTaskDelay returns the run cooldown as a duration.
func (c *RunConfig) InterTaskDelay() time.Duration {
	return time.Duration(c.InterTaskDelayMS) * time.Millisecond
}
