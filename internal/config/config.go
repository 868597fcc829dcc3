// Package config loads and validates the shuttle configuration from YAML
// and SHUTTLE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shuttledb/shuttle/internal/models"
)

// Config holds the complete shuttle daemon configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	ServerA     ServerConfig      `mapstructure:"server_a"`
	ServerB     ServerConfig      `mapstructure:"server_b"`
	Destination DestinationConfig `mapstructure:"destination"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Health      HealthConfig      `mapstructure:"health"`
	Repository  RepositoryConfig  `mapstructure:"repository"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	IPC         IPCConfig         `mapstructure:"ipc"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	TaskFile    TaskFileConfig    `mapstructure:"taskfile"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// ServerConfig holds the connection parameters of one SQL server endpoint.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	PasswordCommand string        `mapstructure:"password_command"`
	SSLMode         string        `mapstructure:"sslmode"`
	PoolMaxConns    int           `mapstructure:"pool_max_conns"`
	PoolMinConns    int           `mapstructure:"pool_min_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DestinationConfig holds settings for the destination side of transfers.
type DestinationConfig struct {
	// Schema qualifies destination table names (default: dbo).
	Schema string `mapstructure:"schema"`
}

// SchedulerConfig holds the daily trigger configuration.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	// Hour is the daily trigger time in 24-hour HH:MM form.
	Hour     string `mapstructure:"hour"`
	Timezone string `mapstructure:"timezone"`
	// Concurrency caps how many runnable units execute at once (default: 2).
	Concurrency int `mapstructure:"concurrency"`
	// WavePause is the delay between concurrency waves (default: 30s).
	WavePause time.Duration `mapstructure:"wave_pause"`
}

// Location resolves the configured time zone. Empty means the local zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// EngineConfig holds the transfer engine tuning knobs.
type EngineConfig struct {
	// BatchSize is the row-processing batch length (default: 500).
	BatchSize int `mapstructure:"batch_size"`
	// InsertSubBatch is the sub-batch length inside one batch (default: 50).
	InsertSubBatch int `mapstructure:"insert_sub_batch"`
	// PostUpdateWindow is the key-window size of post-transfer updates
	// (default: 500).
	PostUpdateWindow int `mapstructure:"post_update_window"`
	// MaxReportedDuplicates caps captured duplicate records (default: 100).
	MaxReportedDuplicates int `mapstructure:"max_reported_duplicates"`
	// RetryAttempts bounds whole-run retries on transient failures
	// (default: 3).
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryInitialDelay is the first whole-run retry delay (default: 5s).
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
}

// HealthConfig holds the periodic health monitor configuration.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// DatabaseThreshold is consecutive repository failures before recovery
	// (default: 3).
	DatabaseThreshold int `mapstructure:"database_threshold"`
	// ConnectionThreshold is consecutive endpoint failures before recovery
	// (default: 5).
	ConnectionThreshold int           `mapstructure:"connection_threshold"`
	RecoveryCooldown    time.Duration `mapstructure:"recovery_cooldown"`
	MaxRecoveries       int           `mapstructure:"max_recoveries"`
}

// RepositoryConfig selects and configures the task/execution store.
type RepositoryConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	// DSN is the postgres connection string. Ignored for sqlite.
	DSN string `mapstructure:"dsn"`
	// Path is the sqlite database file. Ignored for postgres.
	Path string `mapstructure:"path"`
}

// NotifyConfig holds result notification configuration.
type NotifyConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds the HTTP result sink configuration.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IPCConfig holds the local control socket configuration.
type IPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is the socket or pipe path. Auto-detected when empty.
	Path string `mapstructure:"path"`
}

// ArchiveConfig holds execution-history export configuration.
type ArchiveConfig struct {
	// Dir is where exports are written. Defaults under the config directory.
	Dir string `mapstructure:"dir"`
	// Compression is one of none, gzip, lz4, zstd.
	Compression string `mapstructure:"compression"`
}

// TaskFileConfig points at the declarative task definition file.
type TaskFileConfig struct {
	Path string `mapstructure:"path"`
	// Watch reloads task definitions when the file changes (default: true).
	Watch bool `mapstructure:"watch"`
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath reads configuration from a specific file. An empty path
// searches the default locations.
func LoadFromPath(configPath string) (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()
	v.SetEnvPrefix("SHUTTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "shuttle"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "shuttle"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults plus environment are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.IPC.Path == "" {
		cfg.IPC.Path = DefaultIPCPath()
	}
	cfg.Repository.Path = expandPath(cfg.Repository.Path)
	cfg.Archive.Dir = expandPath(cfg.Archive.Dir)
	cfg.TaskFile.Path = expandPath(cfg.TaskFile.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")

	for _, server := range []string{"server_a", "server_b"} {
		v.SetDefault(server+".host", "localhost")
		v.SetDefault(server+".port", 5432)
		v.SetDefault(server+".database", "postgres")
		if user := os.Getenv("USER"); user != "" {
			v.SetDefault(server+".user", user)
		} else {
			v.SetDefault(server+".user", "postgres")
		}
		v.SetDefault(server+".sslmode", "prefer")
		v.SetDefault(server+".pool_max_conns", 10)
		v.SetDefault(server+".pool_min_conns", 2)
		v.SetDefault(server+".connect_timeout", "60s")
	}

	v.SetDefault("destination.schema", "dbo")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.hour", "02:00")
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.concurrency", 2)
	v.SetDefault("scheduler.wave_pause", "30s")

	v.SetDefault("engine.batch_size", 500)
	v.SetDefault("engine.insert_sub_batch", 50)
	v.SetDefault("engine.post_update_window", 500)
	v.SetDefault("engine.max_reported_duplicates", 100)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_initial_delay", "5s")

	v.SetDefault("health.interval", "5m")
	v.SetDefault("health.database_threshold", 3)
	v.SetDefault("health.connection_threshold", 5)
	v.SetDefault("health.recovery_cooldown", "30m")
	v.SetDefault("health.max_recoveries", 3)

	v.SetDefault("repository.driver", "sqlite")
	v.SetDefault("repository.dsn", "")
	v.SetDefault("repository.path", "")

	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", "10s")

	v.SetDefault("ipc.enabled", true)
	v.SetDefault("ipc.path", "")

	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.compression", "zstd")

	v.SetDefault("taskfile.path", "")
	v.SetDefault("taskfile.watch", true)
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	for name, server := range map[string]ServerConfig{
		"server_a": c.ServerA,
		"server_b": c.ServerB,
	} {
		if server.Host == "" {
			return fmt.Errorf("%s.host cannot be empty", name)
		}
		if server.Port < 1 || server.Port > 65535 {
			return fmt.Errorf("%s.port must be between 1 and 65535, got %d", name, server.Port)
		}
		if server.Database == "" {
			return fmt.Errorf("%s.database cannot be empty", name)
		}
		if server.PoolMaxConns < 1 {
			return fmt.Errorf("%s.pool_max_conns must be >= 1, got %d", name, server.PoolMaxConns)
		}
		if server.PoolMinConns < 0 || server.PoolMaxConns < server.PoolMinConns {
			return fmt.Errorf("%s.pool_min_conns must be between 0 and pool_max_conns", name)
		}
		switch server.SSLMode {
		case "disable", "prefer", "require":
		default:
			return fmt.Errorf("%s.sslmode must be one of: disable, prefer, require, got %s", name, server.SSLMode)
		}
	}

	if c.Scheduler.Enabled && !models.ValidHour(c.Scheduler.Hour) {
		return fmt.Errorf("scheduler.hour must match HH:MM, got %q", c.Scheduler.Hour)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone is invalid: %w", err)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1, got %d", c.Scheduler.Concurrency)
	}

	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be >= 1, got %d", c.Engine.BatchSize)
	}
	if c.Engine.InsertSubBatch < 1 || c.Engine.InsertSubBatch > c.Engine.BatchSize {
		return fmt.Errorf("engine.insert_sub_batch must be between 1 and batch_size")
	}
	if c.Engine.PostUpdateWindow < 1 {
		return fmt.Errorf("engine.post_update_window must be >= 1, got %d", c.Engine.PostUpdateWindow)
	}
	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("engine.retry_attempts must be >= 1, got %d", c.Engine.RetryAttempts)
	}

	if c.Health.Interval < time.Second {
		return fmt.Errorf("health.interval must be >= 1s, got %v", c.Health.Interval)
	}
	if c.Health.DatabaseThreshold < 1 || c.Health.ConnectionThreshold < 1 {
		return fmt.Errorf("health thresholds must be >= 1")
	}

	switch c.Repository.Driver {
	case "postgres":
		if c.Repository.DSN == "" {
			return fmt.Errorf("repository.dsn is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("repository.driver must be postgres or sqlite, got %s", c.Repository.Driver)
	}

	switch c.Archive.Compression {
	case "none", "gzip", "lz4", "zstd", "":
	default:
		return fmt.Errorf("archive.compression must be one of: none, gzip, lz4, zstd")
	}

	return nil
}

// DefaultIPCPath returns the platform-appropriate control socket path.
func DefaultIPCPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\shuttle`
	}
	return "/tmp/shuttle.sock"
}

// DefaultDataDir returns the directory shuttle stores state under.
func DefaultDataDir() string {
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "shuttle")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "shuttle")
	}
	return "."
}

// expandPath expands a leading ~/ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
