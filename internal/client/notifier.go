package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// Notifier announces definition changes to every rules engine subscribed to
// the broker.
type Notifier struct {
	logger    *slog.Logger
	publisher pubsub.Publisher
	maxTries  uint
	initial   time.Duration
}

// NewNotifier builds a Notifier that tries each publish at most
// cfg.PublishMaxRetries times.
func NewNotifier(logger *slog.Logger, publisher pubsub.Publisher, cfg *config.PubSubConfig) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		panic("client: publisher cannot be nil")
	}
	if cfg == nil {
		panic("client: pubsub config cannot be nil")
	}
	return &Notifier{
		logger:    logger.With(slog.String("component", "notifier")),
		publisher: publisher,
		maxTries:  max(cfg.PublishMaxRetries, 1),
		initial:   100 * time.Millisecond,
	}
}

// Notify publishes e on the channel of t. Invalid events fail without being
// sent.
func (n *Notifier) Notify(ctx context.Context, t pubsub.EventType, e pubsub.Event) error {
	if !t.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown event type %q", t)).WithMetadata("field", "type")
	}
	if err := scope.ValidateID("entityId", e.Entity()); err != nil {
		return err
	}
	if err := e.Scope().Validate(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initial

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := pubsub.PublishEvent(ctx, n.publisher, t, e); err != nil {
			n.logger.WarnContext(ctx, "publish failed",
				slog.String("type", string(t)),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(n.maxTries))
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("failed").Inc()
		return apperr.Transient("failed to publish "+string(t), err)
	}

	observability.NotificationsTotal.WithLabelValues("published").Inc()
	n.logger.DebugContext(ctx, "change published",
		slog.String("type", string(t)),
		slog.String("entity_id", e.Entity()),
		slog.String("scope", e.Scope().String()),
	)
	return nil
}

// ConditionChanged is shorthand for Notify with a condition event.
func (n *Notifier) ConditionChanged(ctx context.Context, t pubsub.EventType, s scope.Scope, conditionID string) error {
	return n.Notify(ctx, t, pubsub.Event{EntityID: conditionID, CampaignID: s.CampaignID, BranchID: s.BranchID})
}
