// Package config handles configuration for plan-runner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/plan-runner/pkg/core"
)

// Driver names.
const (
	DriverUIAutomator2 = "uiautomator2"
	DriverADB          = "adb"
	DriverMock         = "mock"
)

// Defaults applied by Default and ApplyDefaults.
const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStepTimeout  = 30 * time.Second
	DefaultMaxScrolls   = 10
	DefaultOutputDir    = "reports"
	DefaultLogLevel     = "info"
	DefaultNATSSubject  = "plan-runner.progress"
)

// Config represents the workspace configuration (config.yaml).
type Config struct {
	// Device settings
	Device   string `yaml:"device"`   // adb serial; empty picks the first available device
	Package  string `yaml:"package"`  // app under test
	Activity string `yaml:"activity"` // launch activity, optional
	Driver   string `yaml:"driver"`   // uiautomator2, adb, mock

	// Execution settings
	WaitTimeout       time.Duration     `yaml:"waitTimeout"`
	PollInterval      time.Duration     `yaml:"pollInterval"`
	StepTimeout       time.Duration     `yaml:"stepTimeout"`
	ContinueOnFailure bool              `yaml:"continueOnFailure"`
	MaxScrolls        int               `yaml:"maxScrolls"` // adb driver swipe budget per SCROLL_TO
	Snapshots         bool              `yaml:"snapshots"`  // capture screen after every step
	Env               map[string]string `yaml:"env"`        // plan variables for ${...}

	// Output
	OutputDir string        `yaml:"outputDir"`
	Log       LogConfig     `yaml:"log"`
	NATS      NATSConfig    `yaml:"nats"`
	Archive   ArchiveConfig `yaml:"archive"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty: <home>/logs/plan-runner.log
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// NATSConfig enables progress publishing when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ArchiveConfig enables the SQLite run archive when Path is set.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverUIAutomator2
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxScrolls == 0 {
		c.MaxScrolls = DefaultMaxScrolls
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverUIAutomator2, DriverADB, DriverMock:
	default:
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown driver %q (want uiautomator2, adb or mock)", c.Driver))
	}
	for name, d := range map[string]time.Duration{
		"waitTimeout":  c.WaitTimeout,
		"pollInterval": c.PollInterval,
		"stepTimeout":  c.StepTimeout,
	} {
		if d < 0 {
			return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("%s must not be negative", name))
		}
	}
	if c.MaxScrolls < 0 {
		return core.ErrInvalidConfig.WithMessage("maxScrolls must not be negative")
	}
	return nil
}

// Load loads configuration from a file. Missing fields take defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("parse %s", path)).WithCause(err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	return Default(), nil
}

// LogFile returns the configured log file, defaulting under the home dir.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(GetLogsDir(), "plan-runner.log")
}
