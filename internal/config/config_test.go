package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/procmon/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Listen != DefaultConfig().Listen || cfg.API.RequestsPerMinute != 60 {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
listen: 0.0.0.0:9000
timezone: UTC
api:
  requests_per_minute: 30
scheduler:
  concurrency: 8
  base_delay: 500ms
  max_delay: 10s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" || cfg.Timezone != "UTC" {
		t.Errorf("Unexpected top level %+v", cfg)
	}
	if cfg.API.RequestsPerMinute != 30 || cfg.API.Registro != "CC" {
		t.Errorf("Expected api overrides merged with defaults, got %+v", cfg.API)
	}
	if cfg.Scheduler.BaseDelay != 500*time.Millisecond || cfg.Scheduler.MaxDelay != 10*time.Second {
		t.Errorf("Unexpected scheduler %+v", cfg.Scheduler)
	}

	base := cfg.SchedulerBase()
	if base.Concurrency != 8 || base.BaseDelay != 500*time.Millisecond {
		t.Errorf("Unexpected scheduler base %+v", base)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"listen", "listen: not-an-address\n"},
		{"timezone", "timezone: Mars/Olympus\n"},
		{"base url", "api:\n  base_url: '::'\n"},
		{"rate", "api:\n  requests_per_minute: 0\n"},
		{"delays", "scheduler:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"logging", "logging: '<root>=LOUD'\n"},
		{"syntax", "listen: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)
			if _, err := LoadConfig(path); err == nil {
				t.Error("Expected LoadConfig to fail")
			}
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "listen: 127.0.0.1:1000\n")

	t.Setenv(EnvListen, "127.0.0.1:2000")
	t.Setenv(EnvDB, filepath.Join(dir, "env.db"))
	t.Setenv(EnvAPIURL, "http://localhost:9999/proxy")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:2000" {
		t.Errorf("Expected env listen, got %s", cfg.Listen)
	}
	if cfg.Database != filepath.Join(dir, "env.db") {
		t.Errorf("Expected env db, got %s", cfg.Database)
	}
	if cfg.Giustizia().BaseURL != "http://localhost:9999/proxy" {
		t.Errorf("Expected env api url, got %s", cfg.Giustizia().BaseURL)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	if _, ok := os.LookupEnv(EnvLogging); ok {
		t.Skipf("%s already set", EnvLogging)
	}
	t.Cleanup(func() { os.Unsetenv(EnvLogging) })

	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", EnvLogging+"=<root>=DEBUG\n")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"), envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging != "<root>=DEBUG" {
		t.Errorf("Expected logging from .env, got %q", cfg.Logging)
	}

	// A missing .env is not an error.
	if _, err := Load(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "none.env")); err != nil {
		t.Errorf("Expected missing .env to be ignored, got %v", err)
	}
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Scheduler.MaxDelay = 2 * time.Minute
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Timezone != "UTC" || loaded.Scheduler.MaxDelay != 2*time.Minute {
		t.Errorf("Unexpected loaded config %+v", loaded)
	}

	if err := SaveConfig(path, nil); err == nil {
		t.Error("Expected nil config to fail")
	}
	bad := DefaultConfig()
	bad.Listen = ""
	if err := SaveConfig(path, bad); err == nil {
		t.Error("Expected invalid config to fail")
	}
}

func TestValidateSettings(t *testing.T) {
	if err := ValidateSettings(models.DefaultSettings()); err != nil {
		t.Fatalf("Expected default settings to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*models.Settings)
	}{
		{"query time format", func(s *models.Settings) { s.QueryTime = "8am" }},
		{"query time range", func(s *models.Settings) { s.QueryTime = "25:00" }},
		{"retries", func(s *models.Settings) { s.MaxRetries = 0 }},
		{"timeout", func(s *models.Settings) { s.TimeoutSeconds = 5 }},
		{"batch", func(s *models.Settings) { s.BatchSize = 51 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.DefaultSettings()
			tt.mutate(&s)
			if err := ValidateSettings(s); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestGiustiziaFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.UserAgent = ""
	cfg.API.DeviceName = ""

	g := cfg.Giustizia()
	if g.UserAgent == "" || g.DeviceName == "" {
		t.Errorf("Expected default device fields, got %+v", g)
	}
	if g.IDUfficio != "958010098" {
		t.Errorf("Unexpected office id %s", g.IDUfficio)
	}
}
