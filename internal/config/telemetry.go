package config

import "fmt"

// TelemetryConfig configures OpenTelemetry tracing. Tracing is off when no
// endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `envconfig:"EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `envconfig:"EXPORTER_OTLP_INSECURE" default:"true"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1.0" validate:"min=0,max=1"`
}

// Enabled reports whether spans should be exported.
func (c *TelemetryConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Validate checks the section.
func (c *TelemetryConfig) Validate() error {
	if c.Endpoint == "" {
		return nil
	}
	if err := validateNoWhitespace(c.Endpoint, "otel endpoint"); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
