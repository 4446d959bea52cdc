// Package notify delivers escrow lifecycle events to parties.
//
// Publishing is fire-and-forget: services hand an Event to a Publisher and
// carry on. The Dispatcher turns each event into a notification.dispatch job
// so delivery survives restarts, then fans it out to the configured sinks
// (a signed HTTP endpoint and the websocket hub).
package notify

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// EventType is the kind of event.
type EventType string

const (
	EventEscrowInitiated EventType = "escrow.initiated"
	EventEscrowPaid      EventType = "escrow.paid"
	EventEscrowDelivered EventType = "escrow.delivered"
	EventEscrowReceived  EventType = "escrow.received"
	EventEscrowReleased  EventType = "escrow.released"
	EventEscrowCancelled EventType = "escrow.cancelled"
	EventEscrowExpired   EventType = "escrow.expired"
	EventEscrowDisputed  EventType = "escrow.disputed"
	EventDisputeResolved EventType = "dispute.resolved"
	EventPaymentFailed   EventType = "payment.failed"
	EventPayoutCompleted EventType = "payout.completed"
	EventPayoutFailed    EventType = "payout.failed"
)

// Event is a notification about one escrow, addressed to Recipients.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EscrowID   string         `json:"escrowId"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(typ EventType, escrowID string, at time.Time, recipients ...string) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixNotice),
		Type:       typ,
		EscrowID:   escrowID,
		Recipients: recipients,
		Data:       map[string]any{},
		OccurredAt: at,
	}
}

// With returns e with key set in Data.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher accepts events. Publish never fails the caller; delivery
// problems are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
