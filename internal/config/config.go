// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all gateway configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Queue       QueueConfig       `mapstructure:"queue"`
	API         APIConfig         `mapstructure:"api"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Connection  ConnectionConfig  `mapstructure:"connection"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// StorageConfig describes the state store connection.
type StorageConfig struct {
	Driver      string        `mapstructure:"driver"` // "postgres" or "sqlite"
	URL         string        `mapstructure:"url"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// QueueConfig describes the broker connection.
type QueueConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// APIConfig holds HTTP server configuration.
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development)
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// HealthCheckConfig controls the periodic and on-demand health pass.
type HealthCheckConfig struct {
	Freq         time.Duration `mapstructure:"freq"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// ConnectionConfig bounds startup retries for the store and the broker.
type ConnectionConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TracingConfig configures OpenTelemetry export. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// envKeys are bound explicitly so that environment variables are honoured even
// when no config file mentions the key. BOB_<SECTION>_<KEY> is the env name.
var envKeys = []string{
	"storage.driver", "storage.url", "storage.user", "storage.password", "storage.sync_timeout",
	"queue.url", "queue.user", "queue.password",
	"api.host", "api.port", "api.allowed_origins", "api.max_body_bytes",
	"health_check.freq", "health_check.probe_timeout", "health_check.concurrency",
	"connection.retry_attempts", "connection.retry_delay",
	"log.level", "log.format",
	"tracing.endpoint", "tracing.insecure", "tracing.service_name", "tracing.sample_ratio",
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults. An empty configPath searches the standard locations.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bob/")
		v.AddConfigPath("$HOME/.bob")
	}

	v.SetEnvPrefix("BOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with defaults suitable for local development.
func defaultConfig() AppConfig {
	return AppConfig{
		Storage: StorageConfig{
			Driver:      "postgres",
			URL:         "postgres://localhost:5432/bob?sslmode=disable",
			User:        "bob",
			Password:    "bob",
			SyncTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			URL:      "amqp://localhost:5672",
			User:     "guest",
			Password: "guest",
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         7777,
			MaxBodyBytes: 1 << 20,
		},
		HealthCheck: HealthCheckConfig{
			Freq:         5 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Concurrency:  8,
		},
		Connection: ConnectionConfig{
			RetryAttempts: 10,
			RetryDelay:    2 * time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/bob-apiserver.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"api":      "INFO",
				"queue":    "INFO",
				"store":    "INFO",
				"health":   "INFO",
				"artifact": "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     false,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "bob-apiserver",
			SampleRatio: 1.0,
		},
	}
}

// millisecondsHookFunc lets durations be given as bare integers, read as
// milliseconds (BOB_HEALTH_CHECK_FREQ=5000).
func millisecondsHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			ms, err := strconv.ParseInt(strings.TrimSpace(data.(string)), 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(ms) * time.Millisecond, nil
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
		default:
			return data, nil
		}
	}
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.URL == "" {
		return errors.New("storage url is required")
	}
	if c.Queue.URL == "" {
		return errors.New("queue url is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Connection.RetryAttempts <= 0 {
		return fmt.Errorf("connection.retry_attempts must be positive, got: %d", c.Connection.RetryAttempts)
	}
	if c.Connection.RetryDelay < 0 {
		return fmt.Errorf("connection.retry_delay must not be negative, got: %s", c.Connection.RetryDelay)
	}
	if c.HealthCheck.Freq <= 0 {
		return fmt.Errorf("health_check.freq must be positive, got: %s", c.HealthCheck.Freq)
	}
	if c.HealthCheck.ProbeTimeout <= 0 {
		return fmt.Errorf("health_check.probe_timeout must be positive, got: %s", c.HealthCheck.ProbeTimeout)
	}
	if c.HealthCheck.Concurrency <= 0 {
		return fmt.Errorf("health_check.concurrency must be positive, got: %d", c.HealthCheck.Concurrency)
	}

	return nil
}

// GetDSN returns the driver-specific connection string. Credentials are
// injected into URL-style DSNs that do not already carry them, and a leading
// "jdbc:" is tolerated for compatibility with older deployments.
func (sc *StorageConfig) GetDSN() string {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.URL
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		raw := strings.TrimPrefix(sc.URL, "jdbc:")
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return raw
		}
		if u.User == nil && sc.User != "" {
			u.User = url.UserPassword(sc.User, sc.Password)
		}
		return u.String()
	default:
		return sc.URL
	}
}

// Credentials returns the broker URL with user and password applied.
func (qc *QueueConfig) Credentials() string {
	u, err := url.Parse(qc.URL)
	if err != nil {
		return qc.URL
	}
	if u.User == nil && qc.User != "" {
		u.User = url.UserPassword(qc.User, qc.Password)
	}
	return u.String()
}

// Addr returns the HTTP listen address.
func (ac *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ac.Host, ac.Port)
}
