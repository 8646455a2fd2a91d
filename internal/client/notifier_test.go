package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// flakyPublisher fails the first failures calls.
type flakyPublisher struct {
	failures int
	calls    int
	inner    *pubsub.Memory
}

func (p *flakyPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("write: broken pipe")
	}
	return p.inner.Publish(ctx, channel, payload)
}

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()
	s := scope.New("c1", "feature")

	t.Run("Should publish the event on its channel", func(t *testing.T) {
		t.Parallel()
		broker := pubsub.NewMemory()
		n := NewNotifier(discard, broker, &config.PubSubConfig{PublishMaxRetries: 3})

		err := n.ConditionChanged(context.Background(), pubsub.ConditionCreated, s, "cond-1")

		require.NoError(t, err)
		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, string(pubsub.ConditionCreated), published[0].Channel)

		var got pubsub.Event
		require.NoError(t, json.Unmarshal(published[0].Payload, &got))
		assert.Equal(t, pubsub.Event{EntityID: "cond-1", CampaignID: "c1", BranchID: "feature"}, got)
	})

	t.Run("Should retry transient publish failures", func(t *testing.T) {
		t.Parallel()
		p := &flakyPublisher{failures: 2, inner: pubsub.NewMemory()}
		n := NewNotifier(discard, p, &config.PubSubConfig{PublishMaxRetries: 3})
		n.initial = 0

		err := n.Notify(context.Background(), pubsub.VariableUpdated, pubsub.Event{VariableID: "flags", CampaignID: "c1"})

		require.NoError(t, err)
		assert.Equal(t, 3, p.calls)
		assert.Len(t, p.inner.Published(), 1)
	})

	t.Run("Should give up after the configured attempts", func(t *testing.T) {
		t.Parallel()
		p := &flakyPublisher{failures: 10, inner: pubsub.NewMemory()}
		n := NewNotifier(discard, p, &config.PubSubConfig{PublishMaxRetries: 2})
		n.initial = 0

		err := n.Notify(context.Background(), pubsub.VariableDeleted, pubsub.Event{EntityID: "flags", CampaignID: "c1"})

		assert.Equal(t, apperr.CodeTransientInfra, apperr.CodeOf(err))
		assert.Equal(t, 2, p.calls)
	})

	t.Run("Should reject invalid events without publishing", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name  string
			typ   pubsub.EventType
			event pubsub.Event
		}{
			{"unknown type", pubsub.EventType("effect.updated"), pubsub.Event{EntityID: "e1", CampaignID: "c1"}},
			{"missing entity", pubsub.ConditionUpdated, pubsub.Event{CampaignID: "c1"}},
			{"missing campaign", pubsub.ConditionUpdated, pubsub.Event{EntityID: "cond-1"}},
			{"bad branch", pubsub.ConditionUpdated, pubsub.Event{EntityID: "cond-1", CampaignID: "c1", BranchID: "a b"}},
		}
		for _, tt := range tests {
			broker := pubsub.NewMemory()
			n := NewNotifier(discard, broker, &config.PubSubConfig{PublishMaxRetries: 1})

			err := n.Notify(context.Background(), tt.typ, tt.event)

			assert.True(t, apperr.CodeOf(err).IsValidation(), tt.name)
			assert.Empty(t, broker.Published(), tt.name)
		}
	})
}

func TestNewNotifier_Panics(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "client: publisher cannot be nil", func() { NewNotifier(discard, nil, &config.PubSubConfig{}) })
	assert.PanicsWithValue(t, "client: pubsub config cannot be nil", func() { NewNotifier(discard, pubsub.NewMemory(), nil) })
}
