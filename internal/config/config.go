// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Editor  EditorConfig  `mapstructure:"editor" yaml:"editor"`
	Repair  RepairConfig  `mapstructure:"repair" yaml:"repair"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// OperationTimeout bounds a single driver operation when the caller does
	// not supply its own deadline.
	OperationTimeout   time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	HealthProbeTimeout time.Duration `mapstructure:"health_probe_timeout" yaml:"health_probe_timeout"`
}

// PoolConfig tunes the warm session pool lifecycle.
type PoolConfig struct {
	// MaxServedRequests triggers discard-and-replace after this many runs.
	MaxServedRequests int `mapstructure:"max_served_requests" yaml:"max_served_requests"`
	// MaxSessionAge triggers discard-and-replace after this long, whichever
	// of the two limits is hit first.
	MaxSessionAge time.Duration `mapstructure:"max_session_age" yaml:"max_session_age"`
	// IdleTimeout shuts a session down after it sits idle with no waiters.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// AcquireTimeout bounds how long a caller queues for a busy session.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	// WarmReadyTimeout bounds how long the orchestrator waits for a warm
	// session still initializing before falling back to a cold launch.
	WarmReadyTimeout time.Duration `mapstructure:"warm_ready_timeout" yaml:"warm_ready_timeout"`
}

// EditorConfig describes the remote editor/compiler surface.
type EditorConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// CompileSettleWait is the fixed interval between triggering compilation
	// and reading the output panel.
	CompileSettleWait    time.Duration `mapstructure:"compile_settle_wait" yaml:"compile_settle_wait"`
	ElementWaitTimeout   time.Duration `mapstructure:"element_wait_timeout" yaml:"element_wait_timeout"`
	PublishSubmitTimeout time.Duration `mapstructure:"publish_submit_timeout" yaml:"publish_submit_timeout"`
}

// RepairConfig configures the external script-repair service.
type RepairConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	// MinOutputLength rejects repair responses shorter than this as garbage.
	MinOutputLength int `mapstructure:"min_output_length" yaml:"min_output_length"`
	// RequestsPerMinute rate-limits calls to the repair API.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// AuthConfig configures the credential bootstrap provider.
type AuthConfig struct {
	// SessionToken and Signature may also arrive via environment variables
	// (PINEWRIGHT_AUTH_SESSION_TOKEN / PINEWRIGHT_AUTH_SIGNATURE).
	SessionToken string `mapstructure:"session_token" yaml:"-"`
	Signature    string `mapstructure:"signature" yaml:"-"`
	// CredentialsFile points at a YAML file holding the same two fields.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	CookieDomain    string `mapstructure:"cookie_domain" yaml:"cookie_domain"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pinewright")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.operation_timeout", "30s")
	v.SetDefault("browser.health_probe_timeout", "5s")

	// -- Pool --
	v.SetDefault("pool.max_served_requests", 200)
	v.SetDefault("pool.max_session_age", "4h")
	v.SetDefault("pool.idle_timeout", "10m")
	v.SetDefault("pool.acquire_timeout", "2m")
	v.SetDefault("pool.warm_ready_timeout", "45s")

	// -- Editor --
	v.SetDefault("editor.url", "https://www.tradingview.com/chart/")
	v.SetDefault("editor.compile_settle_wait", "3s")
	v.SetDefault("editor.element_wait_timeout", "20s")
	v.SetDefault("editor.publish_submit_timeout", "30s")

	// -- Repair --
	v.SetDefault("repair.enabled", true)
	v.SetDefault("repair.model", "gemini-2.5-flash")
	v.SetDefault("repair.api_timeout", "90s")
	v.SetDefault("repair.temperature", 0.2)
	v.SetDefault("repair.min_output_length", 40)
	v.SetDefault("repair.requests_per_minute", 10)

	// -- Auth --
	v.SetDefault("auth.cookie_domain", ".tradingview.com")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("repair.api_key", "PINEWRIGHT_REPAIR_API_KEY")
	v.BindEnv("auth.session_token", "PINEWRIGHT_AUTH_SESSION_TOKEN")
	v.BindEnv("auth.signature", "PINEWRIGHT_AUTH_SIGNATURE")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Pool.MaxServedRequests <= 0 {
		return fmt.Errorf("pool.max_served_requests must be a positive integer")
	}
	if c.Pool.MaxSessionAge <= 0 {
		return fmt.Errorf("pool.max_session_age must be a positive duration")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be a positive duration")
	}
	if c.Editor.URL == "" {
		return fmt.Errorf("editor.url is a required configuration field")
	}
	if c.Editor.CompileSettleWait <= 0 {
		return fmt.Errorf("editor.compile_settle_wait must be a positive duration")
	}
	if c.Repair.Enabled && c.Repair.MinOutputLength <= 0 {
		return fmt.Errorf("repair.min_output_length must be a positive integer")
	}
	return nil
}
