// Package config loads the rules engine configuration from the environment.
// Variables use the RULES_ENGINE prefix and are validated with struct tags
// plus per-section checks that depend on the deployment environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "RULES_ENGINE"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Config is the complete service configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	MQTT          MQTTConfig          `envconfig:"MQTT"`
	PubSub        PubSubConfig        `envconfig:"PUBSUB"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Evaluation    EvaluationConfig    `envconfig:"EVAL"`
	Invalidation  InvalidationConfig  `envconfig:"INVALIDATION"`
	Warmer        WarmerConfig        `envconfig:"WARMER"`
	Client        ClientConfig        `envconfig:"CLIENT"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	Telemetry     TelemetryConfig     `envconfig:"OTEL"`
}

// AppConfig holds process identity and logging settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"rules-engine"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate runs the tag validator and then the section checks.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	env := c.App.Environment

	if err := c.Server.RPC.Validate(); err != nil {
		return err
	}
	if err := c.Server.Admin.Validate(env); err != nil {
		return err
	}
	if err := c.Database.Validate(env); err != nil {
		return err
	}
	if c.usesRedis() {
		if err := c.Redis.Validate(env); err != nil {
			return err
		}
	}
	if c.usesMQTT() {
		if err := c.MQTT.Validate(env); err != nil {
			return err
		}
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Invalidation.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// usesRedis reports whether the Redis section must be complete.
func (c *Config) usesRedis() bool {
	return c.Invalidation.Enabled && c.PubSub.Driver == PubSubDriverRedis
}

// usesMQTT reports whether the MQTT section must be complete.
func (c *Config) usesMQTT() bool {
	return c.Invalidation.Enabled && c.PubSub.Driver == PubSubDriverMQTT
}

// LogConfig logs the non-sensitive parts of the configuration.
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("rpc_port", c.Server.RPC.Port),
		slog.String("admin_port", c.Server.Admin.Port),
		slog.String("db_driver", c.Database.Driver),
		slog.String("pubsub_driver", c.PubSub.Driver),
		slog.Bool("invalidation_enabled", c.Invalidation.Enabled),
		slog.Bool("warmer_enabled", c.Warmer.Enabled),
		slog.Duration("result_ttl", c.Cache.ResultTTL),
		slog.Int("result_max_keys", c.Cache.MaxKeys),
		slog.Bool("tracing_enabled", c.Telemetry.Enabled()),
	)
}

// validatePort checks that port is a number in 1-65535.
func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, n)
	}
	return nil
}

// validateNoWhitespace rejects empty values and values padded with whitespace.
func validateNoWhitespace(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s cannot contain whitespace", field)
	}
	return nil
}

// validateSecret enforces a minimum secret length in production.
func validateSecret(secret, context, environment string) error {
	if environment != EnvironmentProduction {
		return nil
	}
	if secret == "" {
		return fmt.Errorf("%s password is required in production environment", context)
	}
	if len(secret) < 12 {
		return fmt.Errorf("%s password must be at least 12 characters in production", context)
	}
	return nil
}

// parseURL parses rawURL and requires one of the allowed schemes and a host.
func parseURL(rawURL string, schemes ...string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(schemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, schemes)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}
	return parsed, nil
}
