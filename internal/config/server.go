package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ServerConfig groups the two network listeners.
type ServerConfig struct {
	RPC   RPCConfig   `envconfig:"RPC"`
	Admin AdminConfig `envconfig:"ADMIN"`
}

// RPCConfig configures the gRPC evaluation service.
type RPCConfig struct {
	Port string `envconfig:"PORT" default:"50051"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100"`
	KeepaliveTime        time.Duration `envconfig:"KEEPALIVE_TIME" default:"120s"`
	KeepaliveTimeout     time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	MaxConnectionAge     time.Duration `envconfig:"MAX_CONNECTION_AGE" default:"300s"`

	// RequestTimeout applies to calls that arrive without a deadline.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s" validate:"min=1ms"`
}

// Address returns host:port.
func (c *RPCConfig) Address() string {
	return c.Host + ":" + c.Port
}

// Validate checks the section.
func (c *RPCConfig) Validate() error {
	if err := validatePort(c.Port, "rpc"); err != nil {
		return err
	}
	return validateHost(c.Host, "rpc")
}

// AdminConfig configures the REST administration API.
type AdminConfig struct {
	Enabled           bool          `envconfig:"ENABLED" default:"true"`
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"`

	APIKeyHash string `envconfig:"API_KEY_HASH"`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`
}

// Address returns host:port.
func (c *AdminConfig) Address() string {
	return c.Host + ":" + c.Port
}

// Validate checks the section. Production requires an API key hash and TLS.
func (c *AdminConfig) Validate(environment string) error {
	if !c.Enabled {
		return nil
	}
	if err := validatePort(c.Port, "admin"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "admin"); err != nil {
		return err
	}

	if c.APIKeyHash != "" {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}

	if environment == EnvironmentProduction {
		if c.APIKeyHash == "" {
			return fmt.Errorf("API key hash is required in production environment")
		}
		if !c.TLSEnabled {
			return fmt.Errorf("TLS must be enabled in production environment")
		}
	}

	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("TLS enabled but cert or key file not specified")
	}
	return nil
}

func validateHost(host, context string) error {
	return validateNoWhitespace(host, context+" host")
}

// validateSHA256Hash requires 64 hexadecimal characters.
func validateSHA256Hash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
