// Package config loads recorder configuration: defaults, then an optional
// YAML file, then environment variables (MEETSCRIBE_* via envconfig).
// CLI flags are applied last by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses "5s"-style strings from both
// YAML and environment variables (yaml.v3 has no native duration
// support).
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler (used by envconfig).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts either a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		if err := d.UnmarshalText([]byte(asString)); err == nil {
			return nil
		}
	}
	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Config is the full host configuration.
type Config struct {
	// BaseDir is where <base>/Meetings lives.
	BaseDir string `yaml:"base_dir" envconfig:"BASE_DIR"`

	// WorkerPath is the ASR/diarisation worker executable.
	WorkerPath string `yaml:"worker_path" envconfig:"WORKER_PATH"`
	// WorkerArgs are prepended args (module selection is appended by the
	// recorder).
	WorkerArgs []string `yaml:"worker_args" envconfig:"WORKER_ARGS"`

	// SampleRate is the default requested rate advertised in MEETING_START.
	SampleRate int `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
	// Channels is the default requested channel count.
	Channels int `yaml:"channels" envconfig:"CHANNELS"`

	// Video enables the screenshot scheduler.
	Video bool `yaml:"video" envconfig:"VIDEO"`
	// ScreenshotInterval between stills.
	ScreenshotInterval Duration `yaml:"screenshot_interval" envconfig:"SCREENSHOT_INTERVAL"`

	// EchoSuppression toggles the cross-stream transcript policy.
	EchoSuppression bool `yaml:"echo_suppression" envconfig:"ECHO_SUPPRESSION"`

	// RecordWAV tees the canonical PCM into per-stream WAV files.
	RecordWAV bool `yaml:"record_wav" envconfig:"RECORD_WAV"`

	// UIAddr is the websocket publisher bind address; empty disables it.
	UIAddr string `yaml:"ui_addr" envconfig:"UI_ADDR"`

	// NamingServiceURL overrides the optional local naming service.
	NamingServiceURL string `yaml:"naming_service_url" envconfig:"NAMING_SERVICE_URL"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		BaseDir:            filepath.Join(home, "Meetscribe"),
		SampleRate:         16000,
		Channels:           1,
		ScreenshotInterval: Duration(5 * time.Second),
		EchoSuppression:    true,
		UIAddr:             "127.0.0.1:8731",
		LogLevel:           "info",
	}
}

// Load builds the config: defaults, optional YAML file, then environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := envconfig.Process("meetscribe", &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the parts a recording start depends on.
func (c Config) Validate() error {
	if c.WorkerPath == "" {
		return fmt.Errorf("worker_path is required")
	}
	fi, err := os.Stat(c.WorkerPath)
	if err != nil {
		return fmt.Errorf("worker_path: %w", err)
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return fmt.Errorf("worker_path %q is not an executable file", c.WorkerPath)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	return nil
}

// WorkerArgv composes the base worker argv.
func (c Config) WorkerArgv() []string {
	return append([]string{c.WorkerPath}, c.WorkerArgs...)
}
