// Package config loads process configuration from an optional config.yaml
// and ROWSTAGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/rowstage/internal/db"
	"github.com/rpattn/rowstage/internal/logging"
	"github.com/rpattn/rowstage/internal/scheduler"
	"github.com/rpattn/rowstage/internal/staging"
)

// Store and dispatch backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"

	DispatchLog = "log"
	DispatchSQS = "sqs"
)

// EnvPrefix is prepended to every environment override, e.g.
// ROWSTAGE_DATABASE_HOST.
const EnvPrefix = "ROWSTAGE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  db.Config       `mapstructure:"database"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Tables    TablesConfig    `mapstructure:"tables"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Log       logging.Config  `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// Provision creates missing tables on startup (postgres only).
	Provision bool `mapstructure:"provision"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type TablesConfig struct {
	Staging string `mapstructure:"staging"`
	Header  string `mapstructure:"header"`
}

type WriterConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	PreviewLimit int           `mapstructure:"preview_limit"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// Staging converts the section into the writer's config.
func (w WriterConfig) Staging() staging.Config {
	return staging.Config{
		MaxBatchSize: w.MaxBatchSize,
		PreviewLimit: w.PreviewLimit,
		Retry: staging.RetryPolicy{
			BaseDelay:   w.BaseDelay,
			MaxDelay:    w.MaxDelay,
			MaxAttempts: w.MaxAttempts,
		},
	}
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type DispatchConfig struct {
	Backend   string `mapstructure:"backend"`
	QueueName string `mapstructure:"queue_name"`
}

// SchedulerConfig combines the scheduler section with the table names.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:     c.Scheduler.Interval,
		StagingTable: c.Tables.Staging,
		HeaderTable:  c.Tables.Header,
	}
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	writer := staging.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.provision", false)

	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", 5)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("tables.staging", "staging_rows")
	v.SetDefault("tables.header", "file_headers")

	v.SetDefault("writer.max_batch_size", writer.MaxBatchSize)
	v.SetDefault("writer.preview_limit", writer.PreviewLimit)
	v.SetDefault("writer.base_delay", writer.Retry.BaseDelay)
	v.SetDefault("writer.max_delay", writer.Retry.MaxDelay)
	v.SetDefault("writer.max_attempts", 20)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Second)

	v.SetDefault("dispatch.backend", DispatchLog)
	v.SetDefault("dispatch.queue_name", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads config.yaml from configPath when present. Defaults cover every
// key, so a missing file is not an error.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and incomplete sections.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Dispatch.Backend {
	case DispatchLog:
	case DispatchSQS:
		if c.Dispatch.QueueName == "" {
			return errors.New("dispatch.queue_name is required for the sqs backend")
		}
	default:
		return fmt.Errorf("unknown dispatch backend %q", c.Dispatch.Backend)
	}
	if c.Tables.Staging == "" || c.Tables.Header == "" {
		return errors.New("tables.staging and tables.header are required")
	}
	if c.Writer.MaxBatchSize <= 0 || c.Writer.MaxBatchSize > 25 {
		return fmt.Errorf("writer.max_batch_size must be between 1 and 25, got %d", c.Writer.MaxBatchSize)
	}
	return nil
}
