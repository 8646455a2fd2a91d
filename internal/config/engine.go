package config

import (
	"fmt"
	"time"
)

// CacheConfig sizes the result and graph caches.
type CacheConfig struct {
	ResultTTL     time.Duration `envconfig:"RESULT_TTL" default:"300s" validate:"min=1s"`
	MaxKeys       int           `envconfig:"MAX_KEYS" default:"10000" validate:"min=1"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s" validate:"min=1s"`
	GraphCapacity int           `envconfig:"GRAPH_CAPACITY" default:"1000" validate:"min=1"`
}

// Validate checks the section.
func (c *CacheConfig) Validate() error {
	if c.SweepInterval > c.ResultTTL*10 {
		return fmt.Errorf("cache sweep interval (%s) is more than ten times the result TTL (%s)", c.SweepInterval, c.ResultTTL)
	}
	return nil
}

// EvaluationConfig bounds expression evaluation.
type EvaluationConfig struct {
	MaxDepth       int           `envconfig:"MAX_DEPTH" default:"10" validate:"min=1,max=64"`
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"5s" validate:"min=1ms"`
	MaxBatchSize   int           `envconfig:"MAX_BATCH_SIZE" default:"500" validate:"min=1"`
	ParsedCapacity int           `envconfig:"PARSED_CAPACITY" default:"5000" validate:"min=1"`
}

// InvalidationConfig configures the invalidation subscriber.
type InvalidationConfig struct {
	Enabled          bool          `envconfig:"ENABLED" default:"true"`
	Cooldown         time.Duration `envconfig:"COOLDOWN" default:"5s"`
	ReconnectInitial time.Duration `envconfig:"RECONNECT_INITIAL" default:"500ms" validate:"min=1ms"`
	ReconnectMax     time.Duration `envconfig:"RECONNECT_MAX" default:"30s" validate:"min=1ms"`
}

// Validate checks the section.
func (c *InvalidationConfig) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("invalidation cooldown cannot be negative")
	}
	if c.ReconnectInitial > c.ReconnectMax {
		return fmt.Errorf("reconnect initial interval (%s) cannot exceed max interval (%s)", c.ReconnectInitial, c.ReconnectMax)
	}
	return nil
}

// WarmerConfig configures background graph pre-building.
type WarmerConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"false"`
	Interval    time.Duration `envconfig:"INTERVAL" default:"60s" validate:"min=1s"`
	Concurrency int           `envconfig:"CONCURRENCY" default:"10" validate:"min=1"`
}

// ClientConfig configures callers of a remote rules engine.
type ClientConfig struct {
	Target string `envconfig:"TARGET" default:"localhost:50051"`

	// FailureThreshold is the number of consecutive infrastructure failures
	// that opens the breaker.
	FailureThreshold uint32        `envconfig:"FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	OpenTimeout      time.Duration `envconfig:"OPEN_TIMEOUT" default:"30s" validate:"min=1ms"`
	CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"5s" validate:"min=1ms"`
	HealthTimeout    time.Duration `envconfig:"HEALTH_TIMEOUT" default:"10s"`
}
