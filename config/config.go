package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"dvbsboard/adapters/redis"
	"dvbsboard/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	Environment Environment `json:"environment" env:"DVBS_ENV"`
	Profile     string      `json:"profile" env:"DVBS_PROFILE"`

	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Board    BoardConfig    `json:"board"`
	Webhooks WebhookConfig  `json:"webhooks"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Security SecurityConfig `json:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"DVBS_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"DVBS_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"DVBS_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"DVBS_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"DVBS_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"DVBS_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"DVBS_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"DVBS_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"DVBS_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty"`
	File    FileConfig   `json:"file,omitempty"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" env:"DVBS_STORAGE_FILE_PATH"`
}

// BoardConfig controls the live dashboard.
type BoardConfig struct {
	PointsCollection   string        `json:"points_collection" env:"DVBS_BOARD_POINTS_COLLECTION"`
	RosterCollection   string        `json:"roster_collection" env:"DVBS_BOARD_ROSTER_COLLECTION"`
	ScheduleCollection string        `json:"schedule_collection" env:"DVBS_BOARD_SCHEDULE_COLLECTION"`
	CelebrationWindow  time.Duration `json:"celebration_window" env:"DVBS_BOARD_CELEBRATION_WINDOW"`
	// RetriggerPolicy is "restart" or "ignore".
	RetriggerPolicy string `json:"retrigger_policy" env:"DVBS_BOARD_RETRIGGER_POLICY"`
	// RollbackOnWriteFailure restores the prior value when an edit is rejected by the store.
	RollbackOnWriteFailure bool   `json:"rollback_on_write_failure" env:"DVBS_BOARD_ROLLBACK"`
	SoundAsset             string `json:"sound_asset" env:"DVBS_BOARD_SOUND_ASSET"`
	VisitorView            bool   `json:"visitor_view" env:"DVBS_BOARD_VISITOR_VIEW"`
	// InitialDay overrides today's selection (A..E). Empty means today.
	InitialDay string `json:"initial_day" env:"DVBS_BOARD_INITIAL_DAY"`
	// Async dispatches events on a background goroutine.
	Async bool `json:"async" env:"DVBS_BOARD_ASYNC"`
}

// WebhookConfig lists endpoints notified about selected events.
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints,omitempty" env:"DVBS_WEBHOOK_ENDPOINTS"`
	Events    []string      `json:"events,omitempty" env:"DVBS_WEBHOOK_EVENTS"`
	Timeout   time.Duration `json:"timeout" env:"DVBS_WEBHOOK_TIMEOUT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"DVBS_LOG_LEVEL"`
	Format     string            `json:"format" env:"DVBS_LOG_FORMAT"`
	Output     string            `json:"output" env:"DVBS_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" env:"DVBS_METRICS_ENABLED"`
	Address   string `json:"address" env:"DVBS_METRICS_ADDR"`
	Path      string `json:"path" env:"DVBS_METRICS_PATH"`
	Namespace string `json:"namespace" env:"DVBS_METRICS_NAMESPACE"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"DVBS_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"DVBS_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" env:"DVBS_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" env:"DVBS_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" env:"DVBS_SECURITY_RATE_LIMIT_CLEANUP"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromEnv overrides cfg with any DVBS_* variables that are set.
func loadFromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}
	return nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("config file path must not traverse directories")
	}

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file. Environment variables
// override file values.
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     defaultSQL(),
			File: FileConfig{
				Path: "./data/dvbs.json",
			},
		},
		Board: BoardConfig{
			PointsCollection:   "points",
			RosterCollection:   "dvbs",
			ScheduleCollection: "sched2025",
			CelebrationWindow:  7 * time.Second,
			RetriggerPolicy:    "restart",
			SoundAsset:         "tada.mp3",
		},
		Webhooks: WebhookConfig{
			Events:  []string{"celebration_started", "write_failed"},
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "dvbs",
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
	}
}

func defaultSQL() sqlx.Config {
	cfg := sqlx.DefaultConfig(sqlx.DriverSQLite)
	cfg.DSN = "./data/dvbs.db"
	return cfg
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	if err := c.Board.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("board config: %v", err))
	}

	if err := c.Webhooks.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhooks config: %v", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
