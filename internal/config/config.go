// Package config loads conexpectd settings from defaults, an optional
// config.yaml in the home directory, CONEXPECT_* environment variables and
// command-line flags bound by the caller.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"conexpect/internal/scrollback"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// replaced by underscores (CONEXPECT_INPUT_BATCH).
const EnvPrefix = "CONEXPECT"

const (
	socketName = "conexpectd.sock"
	pidName    = "conexpectd.pid"
	lockName   = "conexpectd.lock"
	logName    = "conexpectd.log"
	fileName   = "config.yaml"
)

// InputConfig controls keystroke synthesis for new sessions.
type InputConfig struct {
	Batch   bool `mapstructure:"batch"`
	Escapes bool `mapstructure:"escapes"`
}

// Config is the resolved daemon configuration.
type Config struct {
	Home           string        `mapstructure:"home"`
	LogLevel       string        `mapstructure:"log_level"`
	ShowChild      bool          `mapstructure:"show_child"`
	AgentPath      string        `mapstructure:"agent_path"`
	Input          InputConfig   `mapstructure:"input"`
	Retention      time.Duration `mapstructure:"retention"`
	ScrollbackSize int           `mapstructure:"scrollback_size"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Home:           filepath.Join(home, ".conexpect"),
		LogLevel:       "info",
		Input:          InputConfig{Batch: true, Escapes: true},
		Retention:      5 * time.Minute,
		ScrollbackSize: scrollback.DefaultSize,
	}
}

// Setup registers defaults and environment lookup on v. Call it before
// binding flags and before Load.
func Setup(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("home", d.Home)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("show_child", d.ShowChild)
	v.SetDefault("agent_path", d.AgentPath)
	v.SetDefault("input.batch", d.Input.Batch)
	v.SetDefault("input.escapes", d.Input.Escapes)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("scrollback_size", d.ScrollbackSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load merges <home>/config.yaml, when present, and decodes v. The home
// directory itself comes from defaults, environment or flags only.
func Load(v *viper.Viper) (Config, error) {
	path := filepath.Join(v.GetString("home"), fileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory is not set")
	}
	if c.ScrollbackSize <= 0 {
		return fmt.Errorf("scrollback_size must be positive, got %d", c.ScrollbackSize)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", c.Retention)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func (c Config) SocketPath() string { return filepath.Join(c.Home, socketName) }
func (c Config) PidPath() string    { return filepath.Join(c.Home, pidName) }
func (c Config) LockPath() string   { return filepath.Join(c.Home, lockName) }
func (c Config) LogPath() string    { return filepath.Join(c.Home, logName) }
