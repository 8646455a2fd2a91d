// Package pubsub carries definition change events between the services that
// edit conditions and variables and the rules engine. Redis Pub/Sub and MQTT
// are supported behind the same Source and Publisher interfaces.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// EventType is the channel an event is published on.
type EventType string

const (
	ConditionCreated EventType = "condition.created"
	ConditionUpdated EventType = "condition.updated"
	ConditionDeleted EventType = "condition.deleted"
	VariableCreated  EventType = "variable.created"
	VariableUpdated  EventType = "variable.updated"
	VariableDeleted  EventType = "variable.deleted"
)

// EventTypes lists every channel the engine subscribes to.
var EventTypes = []EventType{
	ConditionCreated, ConditionUpdated, ConditionDeleted,
	VariableCreated, VariableUpdated, VariableDeleted,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

// Channels returns the channel names of every event type.
func Channels() []string {
	out := make([]string, len(EventTypes))
	for i, t := range EventTypes {
		out[i] = string(t)
	}
	return out
}

// ErrConnectionLost ends a subscription whose broker connection dropped.
var ErrConnectionLost = errors.New("pubsub: connection lost")

// Event is the payload of every change notification. Older publishers send
// conditionId or variableId instead of entityId.
type Event struct {
	EntityID    string `json:"entityId,omitempty"`
	ConditionID string `json:"conditionId,omitempty"`
	VariableID  string `json:"variableId,omitempty"`
	CampaignID  string `json:"campaignId"`
	BranchID    string `json:"branchId,omitempty"`
}

// Entity returns the id of the changed definition.
func (e Event) Entity() string {
	switch {
	case e.EntityID != "":
		return e.EntityID
	case e.ConditionID != "":
		return e.ConditionID
	default:
		return e.VariableID
	}
}

// Scope returns the campaign branch the event applies to.
func (e Event) Scope() scope.Scope {
	return scope.New(e.CampaignID, e.BranchID)
}

// DecodeEvent parses and validates a payload.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, apperr.Wrap(apperr.CodeValidation, "pubsub: malformed event payload", err)
	}
	if err := scope.ValidateID("entityId", e.Entity()); err != nil {
		return Event{}, err
	}
	if err := e.Scope().Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Message is one received notification. Channel has any configured prefix
// removed.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until it is closed or its connection is
// lost. Messages is never closed; wait on Done instead.
type Subscription interface {
	Messages() <-chan Message
	Done() <-chan struct{}
	// Err returns why the subscription ended, or nil when it was closed or
	// is still running.
	Err() error
	Close() error
}

// Source opens subscriptions.
type Source interface {
	Subscribe(ctx context.Context, channels []string) (Subscription, error)
}

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PublishEvent encodes e and publishes it on the channel of t.
func PublishEvent(ctx context.Context, p Publisher, t EventType, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.Publish(ctx, string(t), payload)
}

const messageBuffer = 256

// subscription is the Subscription shared by every transport.
type subscription struct {
	messages chan Message
	done     chan struct{}
	once     sync.Once
	err      error
	stop     func() error
}

func newSubscription(stop func() error) *subscription {
	return &subscription{
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
		stop:     stop,
	}
}

func (s *subscription) Messages() <-chan Message { return s.messages }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *subscription) Close() error {
	if s.finish(nil) {
		return s.stop()
	}
	return nil
}

// deliver hands m to the consumer and reports false once the subscription
// has ended.
func (s *subscription) deliver(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.messages <- m:
		return true
	case <-s.done:
		return false
	}
}

// fail ends the subscription with err.
func (s *subscription) fail(err error) {
	if s.finish(err) {
		_ = s.stop()
	}
}

func (s *subscription) finish(err error) bool {
	first := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		first = true
	})
	return first
}
