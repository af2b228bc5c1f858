// Package config loads the daemon configuration from YAML, an optional .env
// file and PROCMON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/procmon/internal/connectors/giustizia"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/scheduler"
)

var validate = validator.New()

// Environment overrides.
const (
	EnvListen  = "PROCMON_LISTEN"
	EnvDB      = "PROCMON_DB"
	EnvAPIURL  = "PROCMON_API_URL"
	EnvLogging = "PROCMON_LOGGING"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP API address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// Database is the SQLite file path.
	Database string `yaml:"database" validate:"required"`
	// Logging is a loggo level string, e.g. "<root>=INFO;procmon.scheduler=DEBUG".
	Logging string `yaml:"logging"`
	// Timezone is the IANA zone the daily query time is interpreted in.
	Timezone string `yaml:"timezone" validate:"required,timezone"`

	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// APIConfig configures the process-lookup client.
type APIConfig struct {
	BaseURL           string `yaml:"base_url" validate:"required,url"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"min=1,max=600"`
	Registro          string `yaml:"registro" validate:"required"`
	IDUfficio         string `yaml:"id_ufficio" validate:"required"`
	TipoUfficio       string `yaml:"tipo_ufficio" validate:"required"`
	DeviceName        string `yaml:"device_name,omitempty"`
	AppVersion        string `yaml:"app_version,omitempty"`
	Platform          string `yaml:"platform,omitempty"`
	UserAgent         string `yaml:"user_agent,omitempty"`
}

// SchedulerConfig holds the worker pool knobs that are not user settings.
type SchedulerConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"min=1,max=50"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	api := giustizia.DefaultConfig()
	sched := scheduler.DefaultConfig()
	return &Config{
		Listen:   "127.0.0.1:7477",
		Database: filepath.Join(home, ".procmon", "procmon.db"),
		Logging:  "<root>=INFO",
		Timezone: "Europe/Rome",
		API: APIConfig{
			BaseURL:           api.BaseURL,
			RequestsPerMinute: api.RequestsPerMinute,
			Registro:          api.Registro,
			IDUfficio:         api.IDUfficio,
			TipoUfficio:       api.TipoUfficio,
			DeviceName:        api.DeviceName,
			AppVersion:        api.AppVersion,
			Platform:          api.Platform,
			UserAgent:         api.UserAgent,
		},
		Scheduler: SchedulerConfig{
			Concurrency: sched.Concurrency,
			BaseDelay:   sched.BaseDelay,
			MaxDelay:    sched.MaxDelay,
		},
	}
}

// DefaultPath returns ~/.procmon/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".procmon", "config.yaml")
}

// LoadConfig reads a YAML file over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads envFile (if present) into the environment, then the YAML file,
// then applies PROCMON_* overrides.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvLogging); v != "" {
		c.Logging = v
	}
}

// SaveConfig writes cfg as YAML, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Logging != "" {
		if _, err := loggo.ParseConfigString(c.Logging); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	return nil
}

// ValidateSettings checks user-tunable monitoring settings.
func ValidateSettings(s models.Settings) error {
	return validate.Struct(s)
}

// ConfigureLogging applies the logging levels to the global loggo context.
func (c *Config) ConfigureLogging() error {
	if c.Logging == "" {
		return nil
	}
	return loggo.ConfigureLoggers(c.Logging)
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Giustizia returns the process-lookup client configuration.
func (c *Config) Giustizia() giustizia.Config {
	def := giustizia.DefaultConfig()
	out := giustizia.Config{
		BaseURL:           c.API.BaseURL,
		RequestsPerMinute: c.API.RequestsPerMinute,
		Registro:          c.API.Registro,
		IDUfficio:         c.API.IDUfficio,
		TipoUfficio:       c.API.TipoUfficio,
		DeviceName:        c.API.DeviceName,
		AppVersion:        c.API.AppVersion,
		Platform:          c.API.Platform,
		UserAgent:         c.API.UserAgent,
	}
	if out.DeviceName == "" {
		out.DeviceName = def.DeviceName
	}
	if out.AppVersion == "" {
		out.AppVersion = def.AppVersion
	}
	if out.Platform == "" {
		out.Platform = def.Platform
	}
	if out.UserAgent == "" {
		out.UserAgent = def.UserAgent
	}
	return out
}

// SchedulerBase returns the scheduler config before stored settings are
// applied.
func (c *Config) SchedulerBase() *scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Concurrency = c.Scheduler.Concurrency
	cfg.BaseDelay = c.Scheduler.BaseDelay
	cfg.MaxDelay = c.Scheduler.MaxDelay
	return cfg
}
