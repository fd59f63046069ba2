// Package audit keeps the append-only event log. Memory holds the most
// recent events for attestation; a durable sink, when configured, receives
// every event as it is emitted.
package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// MaxEvents bounds the in-memory log by a most-recent-N policy.
const MaxEvents = 1000

// Event is one audit entry.
type Event struct {
	EventType    string         `json:"eventType"`
	ActorID      string         `json:"actorId"`
	Timestamp    time.Time      `json:"timestamp"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Detail       map[string]any `json:"detail"`
}

// DurableSink persists events outside this process. Failures are logged,
// never propagated: losing a durable copy must not block the operation
// that emitted the event.
type DurableSink interface {
	AppendAuditEvent(ctx context.Context, ev Event) error
}

// Log is the bounded in-memory event log.
type Log struct {
	mu      sync.Mutex
	events  []Event
	max     int
	durable DurableSink
	now     func() time.Time
}

// NewLog builds an empty log. durable may be nil.
func NewLog(durable DurableSink) *Log {
	return &Log{max: MaxEvents, durable: durable, now: time.Now}
}

// Emit appends an event with only a type and detail payload.
func (l *Log) Emit(eventType string, detail map[string]any) {
	l.Record(Event{EventType: eventType, Detail: detail})
}

// Record appends a fully specified event, stamping the time.
func (l *Log) Record(ev Event) {
	ev.Timestamp = l.now().UTC()

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	l.mu.Unlock()

	if l.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.durable.AppendAuditEvent(ctx, ev); err != nil {
			log.Printf("audit: durable append %s: %v", ev.EventType, err)
		}
	}
}

// All returns a copy of the retained events, oldest first.
func (l *Log) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len is the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
