package pubsub

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process broker for single-node deployments and tests.
// Disconnect ends every open subscription as a lost connection would.
type Memory struct {
	mu        sync.Mutex
	subs      map[*subscription][]string
	down      error
	published []Message
}

// NewMemory creates an empty broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*subscription][]string)}
}

// Subscribe fails while the broker is marked down.
func (m *Memory) Subscribe(_ context.Context, channels []string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}

	var sub *subscription
	sub = newSubscription(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, sub)
		return nil
	})
	m.subs[sub] = slices.Clone(channels)
	return sub, nil
}

// Publish delivers payload to every subscriber of channel.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if m.down != nil {
		err := m.down
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, Message{Channel: channel, Payload: payload})
	var targets []*subscription
	for sub, channels := range m.subs {
		if slices.Contains(channels, channel) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			sub.deliver(Message{Channel: channel, Payload: payload})
		}
	}
	return nil
}

// Disconnect ends every subscription with ErrConnectionLost. While err is
// non-nil, Subscribe and Publish fail with it.
func (m *Memory) Disconnect(err error) {
	m.mu.Lock()
	m.down = err
	subs := make([]*subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrConnectionLost)
	}
}

// Reconnect clears the error set by Disconnect.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = nil
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Published returns every message accepted by Publish.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published)
}
