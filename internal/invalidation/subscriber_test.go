package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
	storefixture "github.com/jakekausler/campaign-manager-sub003/internal/store/fixture"
)

var seedContext = expr.FingerprintOf([]byte(`{}`))

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeGraphs struct {
	mu         sync.Mutex
	calls      []scope.Scope
	refreshed  []string
	refreshErr error
}

func (f *fakeGraphs) Invalidate(s scope.Scope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return true
}

func (f *fakeGraphs) RefreshNode(_ context.Context, _ scope.Scope, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, nodeID)
	return f.refreshErr
}

func (f *fakeGraphs) Calls() []scope.Scope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scope.Scope(nil), f.calls...)
}

func (f *fakeGraphs) Refreshed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sub     *Subscriber
	graphs  *fakeGraphs
	results *cache.ResultCache
	clock   *clock
	broker  *pubsub.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	results, err := cache.NewResultCache(&config.CacheConfig{ResultTTL: time.Minute, MaxKeys: 100, SweepInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(results.Close)

	f := &fixture{
		graphs:  &fakeGraphs{},
		results: results,
		clock:   &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		broker:  pubsub.NewMemory(),
	}
	f.sub = New(slog.New(slog.NewTextHandler(io.Discard, nil)), f.broker, f.graphs, results, &config.InvalidationConfig{
		Enabled:          true,
		Cooldown:         5 * time.Second,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	})
	f.sub.now = f.clock.Now
	return f
}

// seed caches one result per condition id in s.
func (f *fixture) seed(t *testing.T, s scope.Scope, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.results.Set(cache.Key(s, id), true, seedContext))
	}
}

func (f *fixture) cached(s scope.Scope, id string) bool {
	_, ok, _ := f.results.Get(cache.Key(s, id), seedContext)
	return ok
}

func message(event pubsub.EventType, payload string) pubsub.Message {
	return pubsub.Message{Channel: string(event), Payload: []byte(payload)}
}

func TestSubscriber_Handle(t *testing.T) {
	t.Parallel()

	home := scope.New("c1", "main")
	other := scope.New("c2", "main")

	tests := []struct {
		name          string
		msg           pubsub.Message
		wantGraphs    []scope.Scope
		wantRefreshed []string
		wantCached    map[string]bool
		otherCached   bool
	}{
		{
			name:        "Should invalidate the graph when a condition is created",
			msg:         message(pubsub.ConditionCreated, `{"entityId": "cond-1", "campaignId": "c1"}`),
			wantGraphs:  []scope.Scope{home},
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
		{
			name:        "Should invalidate the graph when a condition is deleted",
			msg:         message(pubsub.ConditionDeleted, `{"conditionId": "cond-1", "campaignId": "c1", "branchId": "main"}`),
			wantGraphs:  []scope.Scope{home},
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
		{
			name:          "Should evict the condition result and refresh its graph node when a condition is updated",
			msg:           message(pubsub.ConditionUpdated, `{"entityId": "cond-1", "campaignId": "c1"}`),
			wantRefreshed: []string{"CONDITION:cond-1"},
			wantCached:    map[string]bool{"cond-1": false, "cond-2": true},
			otherCached:   true,
		},
		{
			name:        "Should invalidate the graph when a variable is created",
			msg:         message(pubsub.VariableCreated, `{"variableId": "v1", "campaignId": "c1"}`),
			wantGraphs:  []scope.Scope{home},
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
		{
			name:        "Should invalidate the graph when a variable is deleted",
			msg:         message(pubsub.VariableDeleted, `{"variableId": "v1", "campaignId": "c1"}`),
			wantGraphs:  []scope.Scope{home},
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
		{
			name:        "Should evict every result of the scope but keep the graph when a variable is updated",
			msg:         message(pubsub.VariableUpdated, `{"variableId": "v1", "campaignId": "c1"}`),
			wantGraphs:  nil,
			wantCached:  map[string]bool{"cond-1": false, "cond-2": false},
			otherCached: true,
		},
		{
			name:        "Should drop malformed payloads",
			msg:         message(pubsub.VariableUpdated, `{"variableId":`),
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
		{
			name:        "Should drop events on unknown channels",
			msg:         message("entity.updated", `{"entityId": "cond-1", "campaignId": "c1"}`),
			wantCached:  map[string]bool{"cond-1": true, "cond-2": true},
			otherCached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			f := newFixture(t)
			f.seed(t, home, "cond-1", "cond-2")
			f.seed(t, other, "cond-1")

			// Act
			f.sub.handle(context.Background(), tt.msg)

			// Assert
			assert.Equal(t, tt.wantGraphs, f.graphs.Calls())
			assert.Equal(t, tt.wantRefreshed, f.graphs.Refreshed())
			for id, want := range tt.wantCached {
				assert.Equal(t, want, f.cached(home, id), "cached %s", id)
			}
			assert.Equal(t, tt.otherCached, f.cached(other, "cond-1"))
		})
	}
}

func TestSubscriber_Cooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c1 := scope.New("c1", "main")
	msg := message(pubsub.VariableUpdated, `{"variableId": "v1", "campaignId": "c1"}`)

	t.Run("Should collapse repeated events within the window into one eviction", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.seed(t, c1, "cond-1")
		f.sub.handle(ctx, msg)
		assert.False(t, f.cached(c1, "cond-1"))

		f.seed(t, c1, "cond-1")
		f.clock.Advance(2 * time.Second)
		f.sub.handle(ctx, msg)
		assert.True(t, f.cached(c1, "cond-1"), "second event is within the cooldown")

		f.clock.Advance(5 * time.Second)
		f.sub.handle(ctx, msg)
		assert.False(t, f.cached(c1, "cond-1"), "the window has passed")
	})

	t.Run("Should collapse a burst over different definitions of a campaign into one graph invalidation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		for _, id := range []string{"v1", "v2", "v3"} {
			f.sub.handle(ctx, message(pubsub.VariableCreated, `{"variableId": "`+id+`", "campaignId": "c1"}`))
			f.clock.Advance(100 * time.Millisecond)
		}
		f.sub.handle(ctx, message(pubsub.ConditionDeleted, `{"entityId": "a", "campaignId": "c1"}`))

		assert.Equal(t, []scope.Scope{c1}, f.graphs.Calls())
	})

	t.Run("Should collapse variable updates of different variables into one scope eviction", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.sub.handle(ctx, message(pubsub.VariableUpdated, `{"variableId": "v1", "campaignId": "c1"}`))
		f.seed(t, c1, "cond-1")
		f.sub.handle(ctx, message(pubsub.VariableUpdated, `{"variableId": "v2", "campaignId": "c1"}`))

		assert.True(t, f.cached(c1, "cond-1"))
	})

	t.Run("Should keep separate windows per scope and action", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c1"}`))
		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c1", "branchId": "alt"}`))
		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c2"}`))
		f.sub.handle(ctx, message(pubsub.ConditionUpdated, `{"entityId": "a", "campaignId": "c1"}`))

		assert.Len(t, f.graphs.Calls(), 3)
		assert.Equal(t, []string{"CONDITION:a"}, f.graphs.Refreshed())
	})

	t.Run("Should keep separate windows per updated condition", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.sub.handle(ctx, message(pubsub.ConditionUpdated, `{"entityId": "a", "campaignId": "c1"}`))
		f.sub.handle(ctx, message(pubsub.ConditionUpdated, `{"entityId": "b", "campaignId": "c1"}`))
		f.sub.handle(ctx, message(pubsub.ConditionUpdated, `{"entityId": "a", "campaignId": "c1"}`))

		assert.Equal(t, []string{"CONDITION:a", "CONDITION:b"}, f.graphs.Refreshed())
	})

	t.Run("Should apply every event when the cooldown is disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.sub.config.Cooldown = 0

		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c1"}`))
		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c1"}`))

		assert.Len(t, f.graphs.Calls(), 2)
	})

	t.Run("Should forget expired windows", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "a", "campaignId": "c1"}`))
		f.sub.handle(ctx, message(pubsub.VariableUpdated, `{"variableId": "v1", "campaignId": "c1"}`))
		require.Len(t, f.sub.seen, 2)

		f.clock.Advance(6 * time.Second)
		f.sub.handle(ctx, message(pubsub.ConditionCreated, `{"entityId": "c", "campaignId": "c1"}`))

		assert.Len(t, f.sub.seen, 1)
	})
}

func TestSubscriber_RefreshNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c1 := scope.New("c1", "main")
	updated := message(pubsub.ConditionUpdated, `{"entityId": "large-town", "campaignId": "c1"}`)

	t.Run("Should invalidate the graph when the node refresh fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.graphs.refreshErr = errors.New("datastore unavailable")

		f.sub.handle(ctx, updated)

		assert.Equal(t, []string{"CONDITION:large-town"}, f.graphs.Refreshed())
		assert.Equal(t, []scope.Scope{c1}, f.graphs.Calls())
	})

	t.Run("Should patch the cached graph in place with the updated expression", func(t *testing.T) {
		t.Parallel()

		// Arrange: a cached graph where large-town reads settlement.
		repo := storefixture.New()
		for _, key := range []string{"settlement", "treasury"} {
			repo.PutVariable(store.Variable{ID: key, CampaignID: "c1", Key: key, Value: json.RawMessage(`0`), IsActive: true})
		}
		largeTown := store.Condition{
			ID:         "large-town",
			CampaignID: "c1",
			Key:        "large-town",
			Expression: json.RawMessage(`{">=": [{"var": "settlement.population"}, 5000]}`),
			IsActive:   true,
		}
		repo.PutCondition(largeTown)

		log := slog.New(slog.DiscardHandler)
		graphs, err := graphcache.NewManager(log, graphcache.NewBuilder(log, repo), &config.CacheConfig{GraphCapacity: 4})
		require.NoError(t, err)
		t.Cleanup(graphs.Close)
		_, err = graphs.GetGraph(ctx, c1)
		require.NoError(t, err)

		f := newFixture(t)
		sub := New(log, f.broker, graphs, f.results, &config.InvalidationConfig{Cooldown: 5 * time.Second})

		// Act: large-town now reads the treasury.
		largeTown.Expression = json.RawMessage(`{">": [{"var": "treasury"}, 1000]}`)
		repo.PutCondition(largeTown)
		sub.handle(ctx, updated)

		// Assert
		_, cached := graphs.Lookup(c1)
		require.True(t, cached, "graph is patched, not dropped")
		upstream, err := graphs.Upstream(ctx, c1, "CONDITION:large-town", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"VARIABLE:treasury"}, upstream)
	})
}

func TestSubscriber_Run(t *testing.T) {
	t.Parallel()

	event := pubsub.Event{EntityID: "cond-1", CampaignID: "c1"}

	start := func(t *testing.T, f *fixture, ctx context.Context) <-chan error {
		t.Helper()
		done := make(chan error, 1)
		go func() { done <- f.sub.Run(ctx) }()
		require.Eventually(t, func() bool { return f.broker.Subscribers() == 1 }, timeout, tick)
		return done
	}

	t.Run("Should apply published events", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		done := start(t, f, context.Background())
		defer func() {
			f.sub.Stop()
			require.NoError(t, <-done)
		}()

		require.NoError(t, pubsub.PublishEvent(context.Background(), f.broker, pubsub.ConditionCreated, event))

		require.Eventually(t, func() bool { return len(f.graphs.Calls()) == 1 }, timeout, tick)
		assert.Equal(t, scope.New("c1", "main"), f.graphs.Calls()[0])
	})

	t.Run("Should resubscribe after the connection is lost", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		done := start(t, f, context.Background())
		defer func() {
			f.sub.Stop()
			require.NoError(t, <-done)
		}()

		// Arrange: drop the connection and keep the broker down for a few
		// reconnect attempts.
		f.broker.Disconnect(errors.New("broker restarting"))
		require.Eventually(t, func() bool { return f.broker.Subscribers() == 0 }, timeout, tick)
		time.Sleep(30 * time.Millisecond)

		// Act
		f.broker.Reconnect()
		require.Eventually(t, func() bool { return f.broker.Subscribers() == 1 }, timeout, tick)
		require.NoError(t, pubsub.PublishEvent(context.Background(), f.broker, pubsub.VariableDeleted, event))

		// Assert
		require.Eventually(t, func() bool { return len(f.graphs.Calls()) == 1 }, timeout, tick)
	})

	t.Run("Should return on context cancellation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := start(t, f, ctx)

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(timeout):
			t.Fatal("Run did not return")
		}
		assert.Eventually(t, func() bool { return f.broker.Subscribers() == 0 }, timeout, tick)
	})

	t.Run("Should not reconnect after Stop", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.broker.Disconnect(errors.New("down"))

		done := make(chan error, 1)
		go func() { done <- f.sub.Run(context.Background()) }()
		time.Sleep(20 * time.Millisecond)

		f.sub.Stop()
		f.sub.Stop()
		f.broker.Reconnect()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(timeout):
			t.Fatal("Run did not return")
		}
		assert.Zero(t, f.broker.Subscribers())
	})
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	broker := pubsub.NewMemory()
	graphs := &fakeGraphs{}
	results, err := cache.NewResultCache(&config.CacheConfig{ResultTTL: time.Minute, MaxKeys: 1, SweepInterval: time.Minute})
	require.NoError(t, err)
	defer results.Close()
	cfg := &config.InvalidationConfig{}

	assert.PanicsWithValue(t, "invalidation: pubsub source cannot be nil", func() { New(nil, nil, graphs, results, cfg) })
	assert.PanicsWithValue(t, "invalidation: graph invalidator cannot be nil", func() { New(nil, broker, nil, results, cfg) })
	assert.PanicsWithValue(t, "invalidation: result invalidator cannot be nil", func() { New(nil, broker, graphs, nil, cfg) })
	assert.PanicsWithValue(t, "invalidation: config cannot be nil", func() { New(nil, broker, graphs, results, nil) })
}
