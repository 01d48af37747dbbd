// Package config provides configuration management for the broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	ReviewBroker ReviewBrokerConfig `mapstructure:"reviewBroker"`
}

// ReviewBrokerConfig holds the Agent Session Broker's own runtime settings:
// how to launch the ACP agent process, how long to wait for it, and where
// its embedded MCP Tool Server persists review tasks.
type ReviewBrokerConfig struct {
	// AgentCommand is the argv used to spawn the ACP agent process, e.g.
	// []string{"claude-code-acp"}. The broker never shells out through
	// /bin/sh; this is passed directly to exec.Command.
	AgentCommand []string `mapstructure:"agentCommand"`

	// DefaultTimeoutSeconds bounds how long GenerateTasks waits for
	// return_tasks before cancelling the run.
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`

	// McpServerBinaryOverride, if set, is the explicit path to the
	// cmd/mcp-tool-server binary the broker spawns as the agent's MCP
	// server. Empty resolves to a binary named mcp-tool-server next to the
	// broker's own executable, or else to the broker's own executable,
	// invoked with --task-mcp-server.
	McpServerBinaryOverride string `mapstructure:"mcpServerBinaryOverride"`

	// DBPathEnvVar names the environment variable the broker reads to
	// find the SQLite fallback database path for --db-path.
	DBPathEnvVar string `mapstructure:"dbPathEnvVar"`

	// DebugCaptureLog is loaded from configuration, but no broker
	// component reads it; it does not change what is logged or captured.
	DebugCaptureLog bool `mapstructure:"debugCaptureLog"`
}

// ServerConfig holds HTTP server configuration for cmd/broker-server.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration for the persisted
// storage collaborator (pgx primary, sqlite fallback).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration for the progress fan-out
// (internal/broker/progress).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LAREVIEW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./broker.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "broker")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "broker")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means progress events are discarded (progress.Noop)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "lareview-broker-cluster")
	v.SetDefault("nats.clientId", "lareview-broker-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Review broker defaults
	v.SetDefault("reviewBroker.agentCommand", []string{"claude-code-acp"})
	v.SetDefault("reviewBroker.defaultTimeoutSeconds", 5000)
	v.SetDefault("reviewBroker.mcpServerBinaryOverride", "")
	v.SetDefault("reviewBroker.dbPathEnvVar", "LAREVIEW_DB_PATH")
	v.SetDefault("reviewBroker.debugCaptureLog", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LAREVIEW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/lareview-broker/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LAREVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "LAREVIEW_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lareview-broker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.ReviewBroker.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "reviewBroker.defaultTimeoutSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
