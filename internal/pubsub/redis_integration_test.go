//go:build integration

package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/testsupport"
)

func TestRedis_Integration(t *testing.T) {
	// 1. Infrastructure Setup
	ctx := context.Background()

	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	broker := pubsub.NewRedis(redisCtr.Client, "test:")

	t.Run("Should round-trip events with the prefix removed", func(t *testing.T) {
		sub, err := broker.Subscribe(ctx, pubsub.Channels())
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, pubsub.PublishEvent(ctx, broker, pubsub.ConditionUpdated, pubsub.Event{EntityID: "cond-1", CampaignID: "c1"}))

		select {
		case msg := <-sub.Messages():
			assert.Equal(t, string(pubsub.ConditionUpdated), msg.Channel)
			e, err := pubsub.DecodeEvent(msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, "cond-1", e.Entity())
		case <-time.After(5 * time.Second):
			t.Fatal("message not received")
		}
	})

	t.Run("Should use the prefixed channel on the server", func(t *testing.T) {
		spy := redis.NewClient(&redis.Options{Addr: redisCtr.Config.Address()})
		defer spy.Close()

		spySub := spy.Subscribe(ctx, "test:variable.updated")
		defer spySub.Close()
		_, err := spySub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, broker.Publish(ctx, "variable.updated", []byte(`{}`)))

		msg, err := spySub.ReceiveMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, "test:variable.updated", msg.Channel)
	})

	t.Run("Should end the subscription when the connection is killed", func(t *testing.T) {
		sub, err := broker.Subscribe(ctx, pubsub.Channels())
		require.NoError(t, err)

		require.NoError(t, redisCtr.Client.Do(ctx, "CLIENT", "KILL", "TYPE", "pubsub").Err())

		select {
		case <-sub.Done():
			assert.ErrorIs(t, sub.Err(), pubsub.ErrConnectionLost)
		case <-time.After(5 * time.Second):
			t.Fatal("subscription did not end")
		}
	})

	t.Run("Should report health", func(t *testing.T) {
		checker := pubsub.NewRedisHealthChecker(redisCtr.Client)
		assert.Equal(t, "redis", checker.Name())
		assert.NoError(t, checker.Check(ctx))
	})
}
