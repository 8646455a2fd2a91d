package pubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
)

// ErrMQTTTimeout is returned when the broker does not acknowledge in time.
var ErrMQTTTimeout = errors.New("pubsub: mqtt operation timed out")

// MQTT implements Source and Publisher over an MQTT broker. Channels map
// one-to-one to topics. The client does not reconnect by itself: a lost
// connection ends every subscription and the next Subscribe reconnects.
type MQTT struct {
	logger  *slog.Logger
	client  paho.Client
	qos     byte
	timeout time.Duration
	prefix  string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewMQTT creates a client for cfg. It does not connect until Connect or
// Subscribe is called.
func NewMQTT(logger *slog.Logger, cfg *config.MQTTConfig, prefix string) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		panic("pubsub: mqtt config cannot be nil")
	}

	m := &MQTT{
		logger:  logger,
		qos:     cfg.QoS,
		timeout: cfg.ConnectTimeout,
		prefix:  prefix,
		subs:    make(map[*subscription]struct{}),
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(m.timeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			m.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
			m.failAll(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		})
	if requiresTLS(cfg.BrokerURL) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	m.client = paho.NewClient(opts)
	return m
}

func requiresTLS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

// Connect connects unless already connected.
func (m *MQTT) Connect(ctx context.Context) error {
	if m.client.IsConnected() {
		return nil
	}
	if err := m.wait(ctx, m.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Subscribe connects if needed and subscribes to every channel.
func (m *MQTT) Subscribe(ctx context.Context, channels []string) (Subscription, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	topics := make([]string, len(channels))
	filters := make(map[string]byte, len(channels))
	for i, c := range channels {
		topics[i] = m.prefix + c
		filters[topics[i]] = m.qos
	}

	var sub *subscription
	sub = newSubscription(func() error {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		if !m.client.IsConnectionOpen() {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		return m.wait(ctx, m.client.Unsubscribe(topics...))
	})

	handler := func(_ paho.Client, msg paho.Message) {
		sub.deliver(Message{
			Channel: strings.TrimPrefix(msg.Topic(), m.prefix),
			Payload: msg.Payload(),
		})
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	if err := m.wait(ctx, m.client.SubscribeMultiple(filters, handler)); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to mqtt topics: %w", err)
	}
	return sub, nil
}

// Publish sends payload on the prefixed topic.
func (m *MQTT) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	return m.wait(ctx, m.client.Publish(m.prefix+channel, m.qos, false, payload))
}

// Close ends every subscription and disconnects.
func (m *MQTT) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	m.client.Disconnect(250)
}

// Name implements observability.Checker.
func (m *MQTT) Name() string {
	return "mqtt"
}

// Check implements observability.Checker.
func (m *MQTT) Check(context.Context) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt client is not connected")
	}
	return nil
}

func (m *MQTT) failAll(err error) {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[*subscription]struct{})
	m.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// wait blocks until token completes, ctx ends or the configured timeout passes.
func (m *MQTT) wait(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrMQTTTimeout
	}
}
