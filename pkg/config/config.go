// Package config provides configuration loading for the MATOPIBA forecast
// pipeline. Configuration comes from the process environment; viper handles
// binding and defaults.
package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// DefaultScheduleCron fires the pipeline at the four fixed UTC instants.
const DefaultScheduleCron = "0 0,6,12,18 * * *"

// Config is the complete runtime configuration.
type Config struct {
	// KVURL is the hot cache connection string (redis://...). Required.
	KVURL string `json:"kv_url"`
	// DBURL is the audit log connection string. Optional; when empty,
	// audit writes are skipped with a warning.
	DBURL string `json:"db_url"`
	// ProviderBaseURL is the forecast provider endpoint. Required.
	ProviderBaseURL string `json:"provider_base_url"`
	// ScheduleCron overrides the default run schedule.
	ScheduleCron string `json:"schedule_cron"`
	// ListenAddr is the read API bind address.
	ListenAddr string `json:"listen_addr"`
	// LogFile, when set, tees logs to a rotating file.
	LogFile string `json:"log_file"`
	// Debug enables verbose logging.
	Debug bool `json:"debug"`
}

// ConfigProvider defines the interface for configuration sources.
type ConfigProvider interface {
	GetConfig() (*Config, error)
}

// EnvProvider loads configuration from environment variables.
type EnvProvider struct {
	v *viper.Viper
}

// NewEnvProvider creates a provider bound to the process environment.
func NewEnvProvider() *EnvProvider {
	v := viper.New()

	v.SetDefault("schedule_cron", DefaultScheduleCron)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("debug", false)

	v.BindEnv("kv_url", "KV_URL")
	v.BindEnv("db_url", "DB_URL")
	v.BindEnv("provider_base_url", "PROVIDER_BASE_URL")
	v.BindEnv("schedule_cron", "SCHEDULE_CRON")
	v.BindEnv("listen_addr", "LISTEN_ADDR")
	v.BindEnv("log_file", "LOG_FILE")
	v.BindEnv("debug", "DEBUG")

	return &EnvProvider{v: v}
}

// GetConfig reads and validates the configuration.
func (p *EnvProvider) GetConfig() (*Config, error) {
	cfg := p.GetRawConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetRawConfig reads the configuration without validating it. Read-only
// tools that need just one connection string use it so a missing
// provider endpoint does not fail their startup.
func (p *EnvProvider) GetRawConfig() *Config {
	return &Config{
		KVURL:           p.v.GetString("kv_url"),
		DBURL:           p.v.GetString("db_url"),
		ProviderBaseURL: p.v.GetString("provider_base_url"),
		ScheduleCron:    p.v.GetString("schedule_cron"),
		ListenAddr:      p.v.GetString("listen_addr"),
		LogFile:         p.v.GetString("log_file"),
		Debug:           p.v.GetBool("debug"),
	}
}

// Validate checks required fields and the cron expression. Missing required
// configuration fails process startup.
func (c *Config) Validate() error {
	if c.KVURL == "" {
		return fmt.Errorf("missing config: KV_URL must be set")
	}
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("missing config: PROVIDER_BASE_URL must be set")
	}
	if c.ScheduleCron == "" {
		c.ScheduleCron = DefaultScheduleCron
	}
	if _, err := cron.ParseStandard(c.ScheduleCron); err != nil {
		return fmt.Errorf("invalid SCHEDULE_CRON %q: %v", c.ScheduleCron, err)
	}
	return nil
}

// StaticProvider wraps a fixed Config. Used by the cmd tools and tests.
type StaticProvider struct {
	cfg *Config
}

// NewStaticProvider creates a provider that always returns cfg.
func NewStaticProvider(cfg *Config) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

// GetConfig returns the wrapped configuration.
func (p *StaticProvider) GetConfig() (*Config, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}
