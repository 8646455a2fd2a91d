// Package invalidation keeps the graph and result caches consistent with
// definition changes made elsewhere. It consumes the change events published
// by the services that edit conditions and variables and evicts whatever the
// change could have made stale.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// Action names reported in logs and the actions_total metric. They also
// name the cooldown windows: a scope-wide action is applied at most once per
// window for its scope, however many definitions the burst touched.
const (
	ActionGraph       = "graph"
	ActionNode        = "node"
	ActionResult      = "result"
	ActionResultScope = "result_scope"
)

// refreshTimeout bounds the datastore reads of a single-node graph refresh.
const refreshTimeout = 10 * time.Second

// errSubscriptionClosed ends a receive loop whose subscription was closed
// without a transport error.
var errSubscriptionClosed = errors.New("invalidation: subscription closed")

// GraphInvalidator drops cached dependency graphs, or patches a single node
// of one when only that definition changed.
type GraphInvalidator interface {
	Invalidate(s scope.Scope) bool
	RefreshNode(ctx context.Context, s scope.Scope, nodeID string) error
}

// ResultInvalidator drops cached evaluation results.
type ResultInvalidator interface {
	Delete(key string) (bool, error)
	InvalidatePrefix(prefix string) (int, error)
}

// cooldownKey identifies one invalidation action. entity is only set for
// actions that target a single definition.
type cooldownKey struct {
	scope  scope.Scope
	action string
	entity string
}

// Subscriber applies change events to the caches.
type Subscriber struct {
	logger  *slog.Logger
	source  pubsub.Source
	graphs  GraphInvalidator
	results ResultInvalidator
	config  config.InvalidationConfig
	now     func() time.Time

	// seen is only touched by the receive loop.
	seen      map[cooldownKey]time.Time
	lastPrune time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Subscriber. Run must be called to start consuming.
func New(logger *slog.Logger, source pubsub.Source, graphs GraphInvalidator, results ResultInvalidator, cfg *config.InvalidationConfig) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if source == nil {
		panic("invalidation: pubsub source cannot be nil")
	}
	if graphs == nil {
		panic("invalidation: graph invalidator cannot be nil")
	}
	if results == nil {
		panic("invalidation: result invalidator cannot be nil")
	}
	if cfg == nil {
		panic("invalidation: config cannot be nil")
	}

	c := *cfg
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = 30 * time.Second
	}

	return &Subscriber{
		logger:  logger,
		source:  source,
		graphs:  graphs,
		results: results,
		config:  c,
		now:     time.Now,
		seen:    make(map[cooldownKey]time.Time),
		stop:    make(chan struct{}),
	}
}

// Stop ends Run and prevents any further reconnect attempt. It is safe to
// call more than once.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run subscribes to every change channel and applies events until ctx is
// cancelled or Stop is called. A lost connection is re-established with
// exponential backoff. Run returns nil on shutdown.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("starting invalidation subscriber",
		slog.Duration("cooldown", s.config.Cooldown),
		slog.Duration("reconnect_max", s.config.ReconnectMax),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.ReconnectInitial
	b.MaxInterval = s.config.ReconnectMax

	connectedBefore := false
	for {
		if s.stopping(ctx) {
			s.logger.Info("invalidation subscriber stopping...")
			return nil
		}

		sub, err := s.source.Subscribe(ctx, pubsub.Channels())
		if err != nil {
			if s.stopping(ctx) {
				return nil
			}
			wait := b.NextBackOff()
			s.logger.Warn("failed to subscribe to change events",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
			if !s.sleep(ctx, wait) {
				s.logger.Info("invalidation subscriber stopping...")
				return nil
			}
			continue
		}

		if connectedBefore {
			observability.InvalidationReconnects.Inc()
			s.logger.Info("resubscribed to change events")
		}
		connectedBefore = true

		received, err := s.consume(ctx, sub)
		_ = sub.Close()
		if err == nil {
			s.logger.Info("invalidation subscriber stopping...")
			return nil
		}
		if received > 0 {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("change event subscription ended",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
		if !s.sleep(ctx, wait) {
			s.logger.Info("invalidation subscriber stopping...")
			return nil
		}
	}
}

// consume applies messages until the subscription ends. It returns how many
// messages were received and a nil error only on shutdown.
func (s *Subscriber) consume(ctx context.Context, sub pubsub.Subscription) (int, error) {
	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, nil
		case <-s.stop:
			return received, nil
		case msg := <-sub.Messages():
			received++
			s.handle(ctx, msg)
		case <-sub.Done():
			received += s.drain(ctx, sub)
			if err := sub.Err(); err != nil {
				return received, err
			}
			return received, errSubscriptionClosed
		}
	}
}

// drain applies whatever arrived before the subscription ended.
func (s *Subscriber) drain(ctx context.Context, sub pubsub.Subscription) int {
	n := 0
	for {
		select {
		case msg := <-sub.Messages():
			n++
			s.handle(ctx, msg)
		default:
			return n
		}
	}
}

// handle decodes one message and applies it. Malformed messages are logged
// and dropped.
func (s *Subscriber) handle(ctx context.Context, msg pubsub.Message) {
	event := pubsub.EventType(msg.Channel)
	if !event.Valid() {
		s.logger.Warn("ignoring event on unknown channel", slog.String("channel", msg.Channel))
		return
	}
	observability.InvalidationEvents.WithLabelValues(string(event)).Inc()

	e, err := pubsub.DecodeEvent(msg.Payload)
	if err != nil {
		observability.InvalidationDecodeErrors.Inc()
		s.logger.Warn("dropping malformed change event",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.apply(ctx, event, e); err != nil {
		s.logger.Error("failed to apply change event",
			slog.String("event", string(event)),
			slog.String("entity_id", e.Entity()),
			slog.String("scope", e.Scope().String()),
			slog.String("error", err.Error()),
		)
	}
}

// apply runs the invalidation action of one event, unless the same action
// already ran for the scope within the cooldown window.
func (s *Subscriber) apply(ctx context.Context, event pubsub.EventType, e pubsub.Event) error {
	sc := e.Scope()
	log := s.logger.With(
		slog.String("event", string(event)),
		slog.String("entity_id", e.Entity()),
		slog.String("scope", sc.String()),
	)

	var key cooldownKey
	switch event {
	case pubsub.ConditionCreated, pubsub.ConditionDeleted,
		pubsub.VariableCreated, pubsub.VariableDeleted:
		key = cooldownKey{scope: sc, action: ActionGraph}
	case pubsub.ConditionUpdated:
		key = cooldownKey{scope: sc, action: ActionNode, entity: e.Entity()}
	case pubsub.VariableUpdated:
		key = cooldownKey{scope: sc, action: ActionResultScope}
	}

	if !s.admit(key) {
		observability.InvalidationDeduplicated.Inc()
		log.Debug("invalidation within cooldown", slog.String("action", key.action))
		return nil
	}

	switch key.action {
	case ActionGraph:
		s.invalidateGraph(sc)
		log.Info("graph invalidated")

	case ActionNode:
		removed, err := s.results.Delete(cache.Key(sc, e.Entity()))
		if err != nil {
			return fmt.Errorf("failed to evict result: %w", err)
		}
		if removed {
			observability.InvalidationApplied.WithLabelValues(ActionResult).Inc()
		}
		log.Info("condition result invalidated", slog.Bool("result_evicted", removed))
		s.refreshNode(ctx, log, sc, e.Entity())

	case ActionResultScope:
		n, err := s.results.InvalidatePrefix(sc.Prefix())
		if err != nil {
			return fmt.Errorf("failed to evict scope results: %w", err)
		}
		observability.InvalidationApplied.WithLabelValues(ActionResultScope).Inc()
		log.Info("scope results invalidated", slog.Int("evicted", n))
	}
	return nil
}

// refreshNode patches the condition's node in the cached graph, and drops
// the graph when the patch fails.
func (s *Subscriber) refreshNode(ctx context.Context, log *slog.Logger, sc scope.Scope, conditionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	if err := s.graphs.RefreshNode(ctx, sc, depgraph.NodeID(depgraph.NodeCondition, conditionID)); err != nil {
		log.Warn("graph node refresh failed, invalidating graph", slog.String("error", err.Error()))
		s.invalidateGraph(sc)
		return
	}
	observability.InvalidationApplied.WithLabelValues(ActionNode).Inc()
	log.Info("graph node refreshed")
}

func (s *Subscriber) invalidateGraph(sc scope.Scope) {
	s.graphs.Invalidate(sc)
	observability.InvalidationApplied.WithLabelValues(ActionGraph).Inc()
}

// admit records k and reports whether it is outside the cooldown window.
func (s *Subscriber) admit(k cooldownKey) bool {
	if s.config.Cooldown <= 0 {
		return true
	}
	now := s.now()
	s.prune(now)

	if last, ok := s.seen[k]; ok && now.Sub(last) < s.config.Cooldown {
		return false
	}
	s.seen[k] = now
	return true
}

// prune forgets keys whose window has passed, at most once per window.
func (s *Subscriber) prune(now time.Time) {
	if now.Sub(s.lastPrune) < s.config.Cooldown {
		return
	}
	s.lastPrune = now
	for k, at := range s.seen {
		if now.Sub(at) >= s.config.Cooldown {
			delete(s.seen, k)
		}
	}
}

func (s *Subscriber) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sleep waits d and reports false when shutdown began first.
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}
