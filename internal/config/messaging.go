package config

import (
	"fmt"
	"time"
)

const (
	PubSubDriverRedis = "redis"
	PubSubDriverMQTT  = "mqtt"
)

// PubSubConfig selects the broker used for invalidation events.
type PubSubConfig struct {
	Driver string `envconfig:"DRIVER" default:"redis" validate:"oneof=redis mqtt"`

	// ChannelPrefix is prepended to every channel or topic name.
	ChannelPrefix string `envconfig:"CHANNEL_PREFIX"`

	PublishMaxRetries uint `envconfig:"PUBLISH_MAX_RETRIES" default:"3" validate:"min=1"`
}

// MQTTConfig configures the MQTT broker connection.
type MQTTConfig struct {
	BrokerURL      string        `envconfig:"BROKER_URL" default:"tcp://localhost:1883"`
	ClientID       string        `envconfig:"CLIENT_ID" default:"rules-engine"`
	Username       string        `envconfig:"USERNAME"`
	Password       string        `envconfig:"PASSWORD"`
	QoS            byte          `envconfig:"QOS" default:"1" validate:"max=2"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepAlive      time.Duration `envconfig:"KEEP_ALIVE" default:"30s"`
}

// Validate checks the section.
func (c *MQTTConfig) Validate(environment string) error {
	parsed, err := parseURL(c.BrokerURL, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts")
	if err != nil {
		return fmt.Errorf("invalid MQTT broker URL: %w", err)
	}
	if err := validateNoWhitespace(c.ClientID, "mqtt client id"); err != nil {
		return err
	}
	if environment == EnvironmentProduction {
		switch parsed.Scheme {
		case "ssl", "tls", "wss", "mqtts":
		default:
			return fmt.Errorf("MQTT broker must use TLS in production environment")
		}
		if err := validateSecret(c.Password, "mqtt", environment); err != nil {
			return err
		}
	}
	return nil
}
