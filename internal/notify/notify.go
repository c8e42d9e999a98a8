// Package notify carries user-facing notifications out of the core.
//
// Core operations never call the network themselves: they return or emit
// Events, and a Sink (or the webhook Dispatcher) delivers them. Delivery is
// at-least-once; a failed delivery after a committed state change is logged,
// never rolled back.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/bidlane/bidlane/internal/idgen"
)

// EventType classifies a notification event.
type EventType string

const (
	EventDisputeFiled     EventType = "dispute.filed"
	EventJudgeAssigned    EventType = "dispute.judge_assigned"
	EventDisputeResolved  EventType = "dispute.resolved"
	EventDisputeEscalated EventType = "dispute.escalated"
	EventFundsReleased    EventType = "settlement.funds_released"
	EventHealthFlag       EventType = "settlement.health_flag"
	EventBadgeGranted     EventType = "reputation.badge_granted"
)

// Event is a single notification addressed to a user.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(t EventType, userID, message string, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		UserID:    userID,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Sink delivers notification events. Implementations must tolerate
// redelivery of the same event ID.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every sink. Each sink gets every event;
// the first error is returned after all sinks have been tried.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Notify(ctx context.Context, event Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemorySink records events for tests and demo mode.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Notify(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything delivered so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns delivered events of one type.
func (s *MemorySink) ByType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
