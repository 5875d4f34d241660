package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Remote    Remote    `yaml:"remote"`
	Local     Local     `yaml:"local"`
	Migration Migration `yaml:"migration"`
	Backup    Backup    `yaml:"backup"`
	Admin     Admin     `yaml:"admin"`
	LogLevel  string    `yaml:"log_level"`
}

// Remote represents the S3-compatible remote store configuration
type Remote struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// Local represents the local database configuration
type Local struct {
	DBPath string `yaml:"db_path"`
}

// Migration represents migration-specific configuration
type Migration struct {
	BatchSize        int     `yaml:"batch_size"`
	WriteConcurrency int     `yaml:"write_concurrency"`
	RateLimit        float64 `yaml:"rate_limit"`
	StateStore       string  `yaml:"state_store"` // "remote" or "local"
	StateDBPath      string  `yaml:"state_db_path"`
	ShowProgress     bool    `yaml:"show_progress"`
	Version          string  `yaml:"version"`
}

// Backup represents backup engine configuration
type Backup struct {
	Dir         string       `yaml:"dir"`
	Keep        int          `yaml:"keep"`
	Compress    bool         `yaml:"compress"`
	MaxAttempts int          `yaml:"max_attempts"`
	Restore     RestoreGates `yaml:"restore"`
}

// RestoreGates selects which settings groups a restore writes back
type RestoreGates struct {
	Notifications bool `yaml:"notifications"`
	Theme         bool `yaml:"theme"`
	Privacy       bool `yaml:"privacy"`
	Backup        bool `yaml:"backup"`
	App           bool `yaml:"app"`
}

// Admin represents the operator HTTP endpoint configuration
type Admin struct {
	Listen string `yaml:"listen"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Local: Local{
			DBPath: "./habitsync.db",
		},
		Migration: Migration{
			BatchSize:        50,
			WriteConcurrency: 4,
			StateStore:       "remote",
			StateDBPath:      "./migration-state.db",
			ShowProgress:     true,
		},
		Backup: Backup{
			Dir:         "./backups",
			Keep:        10,
			Compress:    true,
			MaxAttempts: 3,
			Restore: RestoreGates{
				Notifications: true,
				Theme:         true,
				App:           true,
			},
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("remote-endpoint") {
		cfg.Remote.Endpoint, _ = flags.GetString("remote-endpoint")
	}
	if flags.Changed("remote-access-key") {
		cfg.Remote.AccessKey, _ = flags.GetString("remote-access-key")
	}
	if flags.Changed("remote-secret-key") {
		cfg.Remote.SecretKey, _ = flags.GetString("remote-secret-key")
	}
	if flags.Changed("remote-bucket") {
		cfg.Remote.Bucket, _ = flags.GetString("remote-bucket")
	}
	if flags.Changed("remote-secure") {
		cfg.Remote.Secure, _ = flags.GetBool("remote-secure")
	}

	if flags.Changed("db") {
		cfg.Local.DBPath, _ = flags.GetString("db")
	}

	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("write-concurrency") {
		cfg.Migration.WriteConcurrency, _ = flags.GetInt("write-concurrency")
	}
	if flags.Changed("rate-limit") {
		cfg.Migration.RateLimit, _ = flags.GetFloat64("rate-limit")
	}
	if flags.Changed("state-store") {
		cfg.Migration.StateStore, _ = flags.GetString("state-store")
	}
	if flags.Changed("state-db") {
		cfg.Migration.StateDBPath, _ = flags.GetString("state-db")
	}
	if flags.Changed("show-progress") {
		cfg.Migration.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("backup-dir") {
		cfg.Backup.Dir, _ = flags.GetString("backup-dir")
	}
	if flags.Changed("backup-keep") {
		cfg.Backup.Keep, _ = flags.GetInt("backup-keep")
	}
	if flags.Changed("backup-compress") {
		cfg.Backup.Compress, _ = flags.GetBool("backup-compress")
	}

	if flags.Changed("admin-listen") {
		cfg.Admin.Listen, _ = flags.GetString("admin-listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote endpoint is required")
	}
	if c.Remote.AccessKey == "" {
		return fmt.Errorf("remote access key is required")
	}
	if c.Remote.SecretKey == "" {
		return fmt.Errorf("remote secret key is required")
	}
	if c.Remote.Bucket == "" {
		return fmt.Errorf("remote bucket is required")
	}

	if c.Local.DBPath == "" {
		return fmt.Errorf("local db path is required")
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Migration.WriteConcurrency <= 0 {
		return fmt.Errorf("write concurrency must be positive")
	}
	if c.Migration.StateStore != "remote" && c.Migration.StateStore != "local" {
		return fmt.Errorf("state store must be %q or %q", "remote", "local")
	}
	if c.Migration.StateStore == "local" && c.Migration.StateDBPath == "" {
		return fmt.Errorf("state db path is required for the local state store")
	}

	if c.Backup.Dir == "" {
		return fmt.Errorf("backup dir is required")
	}
	if c.Backup.Keep <= 0 {
		return fmt.Errorf("backup keep count must be positive")
	}

	return nil
}
