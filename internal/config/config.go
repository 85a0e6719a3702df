// Package config loads and validates vaultd configuration.
//
// Configuration is read with viper from vaultd.yaml or vaultd.toml,
// searched for in an explicit --config path, the vault root and
// $XDG_CONFIG_HOME/vaultd. Any scalar key may be overridden from the
// environment with the VAULTD_ prefix (VAULTD_CACHE_BACKEND=sqlite), and a
// .env file next to the config or in the vault root is loaded first so
// handler secrets can live outside the config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file base name, without extension.
const FileName = "vaultd"

// Config is the full daemon configuration.
type Config struct {
	Vault               string                   `yaml:"vault" mapstructure:"vault"`
	StateDir            string                   `yaml:"state_dir,omitempty" mapstructure:"state_dir"`
	DebounceWindow      time.Duration            `yaml:"debounce_window" mapstructure:"debounce_window"`
	CooldownSeconds     float64                  `yaml:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	WorkerPoolSize      int                      `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	QueueSize           int                      `yaml:"queue_size" mapstructure:"queue_size"`
	HandlerTimeout      time.Duration            `yaml:"handler_timeout" mapstructure:"handler_timeout"`
	ShutdownGracePeriod time.Duration            `yaml:"shutdown_grace_period" mapstructure:"shutdown_grace_period"`
	Cache               CacheConfig              `yaml:"cache" mapstructure:"cache"`
	Watcher             WatcherConfig            `yaml:"watcher" mapstructure:"watcher"`
	Scheduler           SchedulerConfig          `yaml:"scheduler" mapstructure:"scheduler"`
	Dashboard           DashboardConfig          `yaml:"dashboard" mapstructure:"dashboard"`
	Log                 LogConfig                `yaml:"log" mapstructure:"log"`
	Outbound            OutboundConfig           `yaml:"outbound" mapstructure:"outbound"`
	Tasks               []TaskConfig             `yaml:"tasks,omitempty" mapstructure:"tasks"`
	Handlers            map[string]HandlerConfig `yaml:"handlers,omitempty" mapstructure:"handlers"`

	// File is the config file that was read, empty when none was found.
	File string `yaml:"-" mapstructure:"-"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"`
	TTLSeconds    int64         `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// WatcherConfig configures the change watcher.
type WatcherConfig struct {
	MaxRestarts    int           `yaml:"max_restarts" mapstructure:"max_restarts"`
	RestartBackoff time.Duration `yaml:"restart_backoff" mapstructure:"restart_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Ignore         []string      `yaml:"ignore,omitempty" mapstructure:"ignore"`
}

// SchedulerConfig configures the task scheduler runner.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
}

// DashboardConfig configures the status HTTP server.
type DashboardConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr              string        `yaml:"addr" mapstructure:"addr"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" mapstructure:"broadcast_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// OutboundConfig limits HTTP requests made by handlers.
type OutboundConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	PerHostRate   float64       `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// TaskConfig declares a scheduled task. Exactly one of Schedule and At is
// set.
//
// Firings go through the same cooldown as file events, keyed by Resource
// or "task:<id>". A task scheduled more often than cooldown_seconds (or a
// selecting handler's cooldown_seconds) has the extra firings skipped;
// Warnings reports such tasks.
type TaskConfig struct {
	ID       string `yaml:"id" mapstructure:"id"`
	Schedule string `yaml:"schedule,omitempty" mapstructure:"schedule"`
	At       string `yaml:"at,omitempty" mapstructure:"at"`
	Resource string `yaml:"resource,omitempty" mapstructure:"resource"`
}

// HandlerConfig declares one handler instance. The map key in Handlers is
// its name.
type HandlerConfig struct {
	Kind            string         `yaml:"kind" mapstructure:"kind"`
	Enabled         *bool          `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Priority        int            `yaml:"priority,omitempty" mapstructure:"priority"`
	CooldownSeconds float64        `yaml:"cooldown_seconds,omitempty" mapstructure:"cooldown_seconds"`
	Timeout         time.Duration  `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Include         []string       `yaml:"include,omitempty" mapstructure:"include"`
	Exclude         []string       `yaml:"exclude,omitempty" mapstructure:"exclude"`
	Events          []string       `yaml:"events,omitempty" mapstructure:"events"`
	Tasks           []string       `yaml:"tasks,omitempty" mapstructure:"tasks"`
	Options         map[string]any `yaml:"options,omitempty" mapstructure:"options"`
}

// IsEnabled reports whether the handler should run. Handlers are enabled
// unless they say otherwise.
func (h HandlerConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		DebounceWindow:      2 * time.Second,
		CooldownSeconds:     60,
		WorkerPoolSize:      4,
		QueueSize:           256,
		HandlerTimeout:      5 * time.Minute,
		ShutdownGracePeriod: 10 * time.Second,
		Cache: CacheConfig{
			Backend:       "file",
			TTLSeconds:    int64((7 * 24 * time.Hour).Seconds()),
			SweepInterval: 10 * time.Minute,
		},
		Watcher: WatcherConfig{
			MaxRestarts:    5,
			RestartBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			PollInterval:   10 * time.Second,
		},
		Scheduler: SchedulerConfig{TickInterval: time.Second},
		Dashboard: DashboardConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:7777",
			BroadcastInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Outbound: OutboundConfig{
			RatePerSecond: 10,
			PerHostRate:   2,
			Timeout:       30 * time.Second,
		},
	}
}

// Cooldown is the event-level cooldown window.
func (c *Config) Cooldown() time.Duration {
	return seconds(c.CooldownSeconds)
}

// CacheTTL is the default TTL handlers use for cached results.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Options selects where configuration comes from.
type Options struct {
	// ConfigFile is an explicit config path; searching is skipped.
	ConfigFile string

	// Vault overrides the vault key and is searched for a config file.
	Vault string

	// EnvFile is an explicit .env path. When empty, .env files next to
	// the config file and in the vault root are loaded if present.
	EnvFile string
}

// Load reads configuration, applies defaults and environment overrides,
// and normalizes paths. It does not validate; call Validate.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VAULTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(FileName)
		if opts.Vault != "" {
			v.AddConfigPath(expandHome(opts.Vault))
		}
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "vaultd"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if opts.Vault != "" {
		v.Set("vault", opts.Vault)
	}
	// Flat spelling accepted for the cache ttl.
	if v.IsSet("cache_ttl_seconds") && !v.InConfig("cache.ttl_seconds") {
		v.Set("cache.ttl_seconds", v.Get("cache_ttl_seconds"))
	}

	if err := loadEnvFiles(opts.EnvFile, v.ConfigFileUsed(), expandHome(v.GetString("vault"))); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("vault", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("debounce_window", d.DebounceWindow)
	v.SetDefault("cooldown_seconds", d.CooldownSeconds)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("queue_size", d.QueueSize)
	v.SetDefault("handler_timeout", d.HandlerTimeout)
	v.SetDefault("shutdown_grace_period", d.ShutdownGracePeriod)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)

	v.SetDefault("watcher.max_restarts", d.Watcher.MaxRestarts)
	v.SetDefault("watcher.restart_backoff", d.Watcher.RestartBackoff)
	v.SetDefault("watcher.max_backoff", d.Watcher.MaxBackoff)
	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)

	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("dashboard.broadcast_interval", d.Dashboard.BroadcastInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("outbound.rate_per_second", d.Outbound.RatePerSecond)
	v.SetDefault("outbound.per_host_rate", d.Outbound.PerHostRate)
	v.SetDefault("outbound.timeout", d.Outbound.Timeout)
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles(explicit, configFile, vault string) error {
	if explicit != "" {
		if err := godotenv.Load(expandHome(explicit)); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}

	var candidates []string
	if configFile != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configFile), ".env"))
	}
	if vault != "" {
		candidates = append(candidates, filepath.Join(vault, ".env"))
	}

	seen := make(map[string]bool)
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	if c.Vault != "" {
		c.Vault = filepath.Clean(expandHome(c.Vault))
		if abs, err := filepath.Abs(c.Vault); err == nil {
			c.Vault = abs
		}
	}
	if c.StateDir == "" && c.Vault != "" {
		c.StateDir = filepath.Join(c.Vault, ".vaultd")
	}
	if c.StateDir != "" {
		c.StateDir = filepath.Clean(expandHome(c.StateDir))
		if abs, err := filepath.Abs(c.StateDir); err == nil {
			c.StateDir = abs
		}
	}
	if c.Log.File != "" {
		c.Log.File = expandHome(c.Log.File)
		if !filepath.IsAbs(c.Log.File) && c.StateDir != "" {
			c.Log.File = filepath.Join(c.StateDir, c.Log.File)
		}
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
