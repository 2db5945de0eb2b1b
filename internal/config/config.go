// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/action-gateway/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds action-gateway configuration.
type Config struct {
	// HTTP listener (GATEWAY_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr string `envconfig:"GATEWAY_HTTP_ADDR"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8080"`
	WSPath   string `envconfig:"GATEWAY_WS_PATH" default:"/ws"`

	// Client connections
	MaxClients         uint64        `envconfig:"GATEWAY_MAX_CLIENTS" default:"0"`
	SendQueueSize      int           `envconfig:"GATEWAY_SEND_QUEUE" default:"256"`
	MaxMessageBytes    int64         `envconfig:"GATEWAY_MAX_MESSAGE_BYTES" default:"16777216"`
	PingInterval       time.Duration `envconfig:"GATEWAY_PING_INTERVAL" default:"30s"`
	WriteTimeout       time.Duration `envconfig:"GATEWAY_WRITE_TIMEOUT" default:"10s"`
	ProtocolConstraint string        `envconfig:"GATEWAY_PROTOCOL_CONSTRAINT"`

	// Bridge to COMMS; empty COMMSURL runs without a bus.
	RoutesFile     string        `envconfig:"GATEWAY_ROUTES_FILE"`
	COMMSURL       string        `envconfig:"COMMS_URL"`
	COMMSName      string        `envconfig:"SERVICE_NAME" default:"action-gateway"`
	ReplySubject   string        `envconfig:"GATEWAY_REPLY_SUBJECT"`
	RequestTimeout time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"25s"`

	// Session audit; empty DatabaseURL disables it.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListenAddr returns HTTPAddr when set, otherwise ":<HTTPPort>".
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// EffectiveMaxClients returns the identity space size; zero means math.MaxUint32.
func (c *Config) EffectiveMaxClients() uint64 {
	if c.MaxClients == 0 {
		return math.MaxUint32
	}
	return c.MaxClients
}

// BridgeEnabled reports whether a COMMS URL is configured.
func (c *Config) BridgeEnabled() bool {
	return c.COMMSURL != ""
}

// AuditEnabled reports whether a database URL is configured.
func (c *Config) AuditEnabled() bool {
	return c.DatabaseURL != ""
}

// SlogLevel maps LogLevel to a slog level; unknown values are info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateForServe checks required config when running the gateway.
func (c *Config) ValidateForServe() error {
	if c.HTTPAddr == "" && (c.HTTPPort <= 0 || c.HTTPPort > 65535) {
		return fmt.Errorf("%s - HTTP_PORT must be between 1 and 65535", logPrefix)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("%s - GATEWAY_WS_PATH must start with /", logPrefix)
	}
	if c.MaxClients > math.MaxUint32 {
		return fmt.Errorf("%s - GATEWAY_MAX_CLIENTS must not exceed %d", logPrefix, uint64(math.MaxUint32))
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%s - GATEWAY_SEND_QUEUE must be positive", logPrefix)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s - GATEWAY_MAX_MESSAGE_BYTES must be positive", logPrefix)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%s - GATEWAY_PING_INTERVAL must not be negative", logPrefix)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_WRITE_TIMEOUT must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if _, err := semver.NewProtocolChecker(c.ProtocolConstraint); err != nil {
		return fmt.Errorf("%s - GATEWAY_PROTOCOL_CONSTRAINT: %w", logPrefix, err)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
