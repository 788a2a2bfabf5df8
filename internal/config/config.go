// Package config loads terminal and server configuration from YAML and the
// DEPOT_* environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Pull interval bounds accepted by Validate.
const (
	MinPullInterval = 20 * time.Second
	MaxPullInterval = 60 * time.Second
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Server   ServerConfig   `mapstructure:"server"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`

	// File enables a rotating log file next to stdout output.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TerminalConfig configures one point-of-sale workstation.
type TerminalConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	ServerURL     string        `mapstructure:"server_url"`
	StreamPath    string        `mapstructure:"stream_path"`
	StatusAddr    string        `mapstructure:"status_addr"`
	WorkstationID int           `mapstructure:"workstation_id"`
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	MachineID     string        `mapstructure:"machine_id"`
	Token         string        `mapstructure:"token"`
}

// ServerConfig configures the central sync server.
type ServerConfig struct {
	HTTPAddr         string        `mapstructure:"http_addr"`
	DSN              string        `mapstructure:"dsn"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("terminal.data_dir", "./data")
	v.SetDefault("terminal.server_url", "http://localhost:8080")
	v.SetDefault("terminal.stream_path", "/api/admin/stats/stream")
	v.SetDefault("terminal.status_addr", "127.0.0.1:8090")
	v.SetDefault("terminal.workstation_id", 1)
	v.SetDefault("terminal.pull_interval", "30s")
	v.SetDefault("terminal.http_timeout", "15s")
	v.SetDefault("terminal.machine_id", "")
	v.SetDefault("terminal.token", "")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.dsn", "file:depotvente.db?_foreign_keys=on")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", "72h")
	v.SetDefault("server.conflict_strategy", "last_write_wins")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DEPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	setDefaults(v)
	return v
}

// Load reads path (when non-empty) on top of defaults and the environment.
func Load(path string) (Config, error) {
	v := newViper(path)
	return read(v, path)
}

func read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Watch loads path and calls onChange with the re-read config every time the
// file changes. Invalid rewrites are reported through onError and ignored.
func Watch(path string, onChange func(Config), onError func(error)) (Config, error) {
	v := newViper(path)
	cfg, err := read(v, path)
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		if err := next.Validate(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

// Validate checks the settings the sync core depends on.
func (c Config) Validate() error {
	if c.Terminal.PullInterval < MinPullInterval || c.Terminal.PullInterval > MaxPullInterval {
		return fmt.Errorf("terminal.pull_interval must be between %s and %s, got %s",
			MinPullInterval, MaxPullInterval, c.Terminal.PullInterval)
	}
	if c.Terminal.ServerURL == "" {
		return fmt.Errorf("terminal.server_url is required")
	}
	if c.Terminal.HTTPTimeout <= 0 {
		return fmt.Errorf("terminal.http_timeout must be positive")
	}
	return nil
}

// ValidateServer checks the settings the sync server needs.
func (c Config) ValidateServer() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if c.Server.DSN == "" {
		return fmt.Errorf("server.dsn is required")
	}
	return nil
}
