// Package notify fans engine state changes out to customers and providers.
// Delivery is best-effort: it happens after the change is committed and a
// failed publish never undoes it.
package notify

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	QueueJoined        EventType = "queue.joined"
	QueueLeft          EventType = "queue.left"
	QueuePosition      EventType = "queue.position"
	SessionCreated     EventType = "session.created"
	SessionEnded       EventType = "session.ended"
	SessionTransferred EventType = "session.transferred"
)

type Event struct {
	Type       EventType      `json:"type"`
	CustomerID string         `json:"customer_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	QueueID    string         `json:"queue_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Position   int            `json:"queue_position,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Channels lists where e is delivered: the customer's channel and, when the
// event concerns a provider, the provider's.
func (e Event) Channels() []string {
	var out []string
	if e.CustomerID != "" {
		out = append(out, "user-"+e.CustomerID)
	}
	if e.ProviderID != "" {
		out = append(out, "provider-"+e.ProviderID)
	}
	return out
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
