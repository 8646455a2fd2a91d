package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"
)

// DatabaseConfig selects and configures the definitions datastore.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`

	// Postgres, as a URL or as components.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	MaxConns        int32         `envconfig:"MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int32         `envconfig:"MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	PingMaxRetries  int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff     time.Duration `envconfig:"PING_BACKOFF" default:"1s"`
	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"15s"`

	// SQLite file path (or ":memory:").
	SQLitePath string `envconfig:"SQLITE_PATH" default:"rules.db"`
}

// ConnectionString returns the Postgres DSN, building it from components
// when no URL is set.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	params := url.Values{}
	params.Add("sslmode", c.SSLMode)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: params.Encode(),
	}
	return u.String()
}

// Validate checks the section for the selected driver.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.Driver == DatabaseDriverSQLite {
		if environment == EnvironmentProduction {
			return fmt.Errorf("sqlite driver is not allowed in production environment")
		}
		return validateNoWhitespace(c.SQLitePath, "sqlite path")
	}

	if c.URL != "" {
		if err := validatePostgresURL(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
	} else {
		if err := validateNoWhitespace(c.Host, "database host"); err != nil {
			return err
		}
		if err := validatePort(c.Port, "database"); err != nil {
			return err
		}
		if err := validateNoWhitespace(c.Name, "database name"); err != nil {
			return err
		}
		if len(c.Name) > 63 {
			return fmt.Errorf("database name cannot exceed 63 characters")
		}
		if err := validateNoWhitespace(c.User, "database user"); err != nil {
			return err
		}
		if err := validateSecret(c.Password, "database", environment); err != nil {
			return err
		}
		if environment == EnvironmentProduction && !isSecureSSLMode(c.SSLMode) {
			return fmt.Errorf("database SSL mode must be 'require', 'verify-ca', or 'verify-full' in production environment")
		}
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func isSecureSSLMode(mode string) bool {
	return mode == "require" || mode == "verify-ca" || mode == "verify-full"
}

func validatePostgresURL(raw string) error {
	parsed, err := parseURL(raw, "postgres", "postgresql")
	if err != nil {
		return err
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return fmt.Errorf("user is required in URL")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return fmt.Errorf("database name is required in URL path")
	}
	return nil
}
