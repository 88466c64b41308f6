// Package config provides environment-aware configuration loading for
// the backup engine's hub and agent processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration for a hub or agent process.
// It is loaded once at startup and treated as read-only thereafter.
type Config struct {
	NodeID   string `yaml:"node_id" json:"node_id"`
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`

	MasterKeyEnv string `yaml:"master_key_env" json:"master_key_env"`

	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// DatabaseConfig configures the Postgres connection pool backing the
// hub metadata store (C12).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig configures the run-event-bus cross-process mirror (C9).
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// SchedulerConfig tunes the claim loop and reconciler cadence.
type SchedulerConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval" json:"poll_interval"`
	IncompleteCleanupDays int64         `yaml:"incomplete_cleanup_days" json:"incomplete_cleanup_days"`
	AgentDispatchDeadline time.Duration `yaml:"agent_dispatch_deadline" json:"agent_dispatch_deadline"`
	// StageDir is the local scratch directory the local-execution
	// pipeline stages archive parts, raw-tree copies, and the entries
	// index under before (or while) uploading them to a run's target.
	StageDir string `yaml:"stage_dir" json:"stage_dir"`
}

// Default returns baseline values overridable by file and environment.
func Default() Config {
	return Config{
		NodeID:       "hub",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		LogFormat:    "json",
		MasterKeyEnv: "BACKUP_MASTER_KEY",
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			PollInterval:          1 * time.Second,
			IncompleteCleanupDays: 30,
			AgentDispatchDeadline: 24 * time.Hour,
			StageDir:              "/var/lib/relaybackup/stage",
		},
	}
}

// Load builds a Config starting from Default(), applying an optional
// YAML file (when path is non-empty and exists) and then environment
// overrides, the same file-then-env precedence `infrastructure/config`
// uses, minus the TEE-specific secrets backend that has no analogue
// in this system.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// optional file; fall through to env overrides
		default:
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Database.DSN == "" {
		return cfg, fmt.Errorf("config: database.dsn (or DATABASE_DSN) is required")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.NodeID = GetEnv("NODE_ID", cfg.NodeID)
	cfg.HTTPAddr = GetEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.MasterKeyEnv = GetEnv("MASTER_KEY_ENV", cfg.MasterKeyEnv)

	cfg.Database.DSN = GetEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = GetEnvInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = GetEnvInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	cfg.Redis.Addr = GetEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Scheduler.PollInterval = GetEnvDuration("SCHEDULER_POLL_INTERVAL", cfg.Scheduler.PollInterval)
	cfg.Scheduler.IncompleteCleanupDays = int64(GetEnvInt(
		"SCHEDULER_INCOMPLETE_CLEANUP_DAYS", int(cfg.Scheduler.IncompleteCleanupDays)))
	cfg.Scheduler.AgentDispatchDeadline = GetEnvDuration(
		"SCHEDULER_AGENT_DISPATCH_DEADLINE", cfg.Scheduler.AgentDispatchDeadline)
	cfg.Scheduler.StageDir = GetEnv("SCHEDULER_STAGE_DIR", cfg.Scheduler.StageDir)
}
