package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
device: emulator-5554
package: com.example.app
activity: .MainActivity
driver: adb
waitTimeout: 5s
pollInterval: 250ms
stepTimeout: 20s
continueOnFailure: true
maxScrolls: 4
snapshots: true
outputDir: out
log:
  level: debug
  file: /tmp/plan-runner.log
  maxSizeMB: 5
  maxBackups: 1
nats:
  url: nats://localhost:4222
  subject: runs.progress
archive:
  path: runs.db
env:
  USER: test
  PASS: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Device != "emulator-5554" || cfg.Package != "com.example.app" || cfg.Activity != ".MainActivity" {
		t.Errorf("device settings not loaded: %+v", cfg)
	}
	if cfg.Driver != DriverADB {
		t.Errorf("expected driver adb, got %s", cfg.Driver)
	}
	if cfg.WaitTimeout != 5*time.Second || cfg.PollInterval != 250*time.Millisecond || cfg.StepTimeout != 20*time.Second {
		t.Errorf("durations not loaded: wait=%v poll=%v step=%v", cfg.WaitTimeout, cfg.PollInterval, cfg.StepTimeout)
	}
	if !cfg.ContinueOnFailure || !cfg.Snapshots || cfg.MaxScrolls != 4 {
		t.Errorf("execution flags not loaded: %+v", cfg)
	}
	if cfg.OutputDir != "out" {
		t.Errorf("expected outputDir out, got %s", cfg.OutputDir)
	}
	if cfg.Log != (LogConfig{Level: "debug", File: "/tmp/plan-runner.log", MaxSizeMB: 5, MaxBackups: 1}) {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.NATS.URL != "nats://localhost:4222" || cfg.NATS.Subject != "runs.progress" {
		t.Errorf("unexpected nats config: %+v", cfg.NATS)
	}
	if cfg.Archive.Path != "runs.db" {
		t.Errorf("expected archive path runs.db, got %s", cfg.Archive.Path)
	}
	if cfg.Env["USER"] != "test" || cfg.Env["PASS"] != "secret" {
		t.Errorf("expected env {USER:test, PASS:secret}, got %v", cfg.Env)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `device: [invalid yaml`)

	_, err := Load(path)
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoad_UnknownDriver(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `driver: appium`)

	_, err := Load(path)
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoad_EmptyConfigGetsDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", ``)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Driver != DriverUIAutomator2 {
		t.Errorf("expected default driver uiautomator2, got %s", cfg.Driver)
	}
	if cfg.WaitTimeout != DefaultWaitTimeout || cfg.PollInterval != DefaultPollInterval || cfg.StepTimeout != DefaultStepTimeout {
		t.Errorf("unexpected default durations: %+v", cfg)
	}
	if cfg.OutputDir != DefaultOutputDir || cfg.Log.Level != DefaultLogLevel || cfg.NATS.Subject != DefaultNATSSubject {
		t.Errorf("unexpected default outputs: %+v", cfg)
	}
	if cfg.NATS.URL != "" || cfg.Archive.Path != "" {
		t.Error("nats and archive should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative wait", func(c *Config) { c.WaitTimeout = -time.Second }},
		{"negative poll", func(c *Config) { c.PollInterval = -time.Second }},
		{"negative step timeout", func(c *Config) { c.StepTimeout = -time.Second }},
		{"negative scrolls", func(c *Config) { c.MaxScrolls = -1 }},
		{"unknown driver", func(c *Config) { c.Driver = "wda" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, core.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadFromDir_ConfigYml(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", `device: from-yml`)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device != "from-yml" {
		t.Errorf("expected device from-yml, got %s", cfg.Device)
	}
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != DriverUIAutomator2 || cfg.Device != "" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromDir_PrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `device: from-yaml`)
	writeConfig(t, dir, "config.yml", `device: from-yml`)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device != "from-yaml" {
		t.Errorf("expected device from-yaml (from config.yaml), got %s", cfg.Device)
	}
}
