package pubsub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
)

// NewRedisClient connects to Redis and pings it, retrying with exponential
// backoff up to cfg.PingMaxRetries times.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	log := logger.FromContext(ctx)
	b := backoff.NewExponentialBackOff()
	if cfg.PingBackoff > 0 {
		b.InitialInterval = cfg.PingBackoff
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		pong, err := client.Ping(ctx).Result()
		if err != nil {
			log.Warn("redis ping failed", slog.Int("attempt", attempt), slog.Int("max_retries", cfg.PingMaxRetries), slog.Any("error", err))
			return "", err
		}
		log.Info("redis ping successful", slog.Int("attempt", attempt))
		return pong, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(max(cfg.PingMaxRetries, 1))))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempt, err)
	}

	return client, nil
}

// Redis implements Source and Publisher over Redis Pub/Sub.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis uses client for both directions. prefix is prepended to every
// channel name.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	return &Redis{client: client, prefix: prefix}
}

// Subscribe waits for the server to confirm the subscription before
// returning. The subscription ends with an error when the connection drops.
func (r *Redis) Subscribe(ctx context.Context, channels []string) (Subscription, error) {
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = r.prefix + c
	}

	ps := r.client.Subscribe(ctx, names...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channels: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var closeOnce sync.Once
	sub := newSubscription(func() error {
		var err error
		closeOnce.Do(func() {
			cancel()
			err = ps.Close()
		})
		return err
	})

	go func() {
		for {
			msg, err := ps.ReceiveMessage(recvCtx)
			if err != nil {
				sub.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
				return
			}
			channel := strings.TrimPrefix(msg.Channel, r.prefix)
			if !sub.deliver(Message{Channel: channel, Payload: []byte(msg.Payload)}) {
				return
			}
		}
	}()

	return sub, nil
}

// Publish sends payload on the prefixed channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, r.prefix+channel, payload).Err()
}

// RedisHealthChecker reports Redis reachability to the readiness probe.
type RedisHealthChecker struct {
	client *redis.Client
}

// NewRedisHealthChecker creates a health checker for the given client.
func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

// Name returns the component name reported by the readiness probe.
func (h *RedisHealthChecker) Name() string {
	return "redis"
}

// Check sends a PING. Subscriptions use their own connection, so a healthy
// ping does not prove that an open subscription is still alive.
func (h *RedisHealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return h.client.Ping(ctx).Err()
}
