// Package eventbus implements the Event Bus (C2): a per-plan topic with
// best-effort fan-out to live subscribers. Grounded on the teacher's
// ConnectionManager pattern (AMSAB backend/core/orchestrator.py), generalised
// from a WebSocket-specific broadcaster to a transport-agnostic Subscriber
// interface so the HTTP/WS surface in internal/httpapi is the only component
// that knows about gorilla/websocket.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the fixed event kinds from spec §4.2.
type Kind string

const (
	KindPlanApproved         Kind = "plan_approved"
	KindNodeAwaitingApproval Kind = "node_awaiting_approval"
	KindNodeStarted          Kind = "node_started"
	KindLogLine              Kind = "log_line"
	KindNodeCompleted        Kind = "node_completed"
	KindNodeFailed           Kind = "node_failed"
	KindPlanCompleted        Kind = "plan_completed"
	KindPlanFailed           Kind = "plan_failed"
)

// Event carries plan_id and an ISO-8601 timestamp on every message, plus a
// payload whose keys are fixed per Kind (spec §4.2 table).
type Event struct {
	Kind      Kind           `json:"event"`
	PlanID    string         `json:"plan_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber receives events for a single plan's topic. Send must not block
// indefinitely — a slow or broken subscriber is logged and skipped, never
// allowed to stall delivery to others (spec §4.2 "best-effort").
type Subscriber interface {
	Send(Event) error
}

// Bus is the per-plan, in-process, best-effort fan-out. The default
// implementation deliberately stays in-process rather than broker-backed:
// the spec's subscription model (direct handle, detach on connection error)
// has no clean analogue over a durable broker like NATS without changing the
// delivery semantics (see DESIGN.md).
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Subscriber)}
}

// Subscribe attaches a subscriber to a plan's topic. Lifetime runs until
// Unsubscribe or a failed Send removes it.
func (b *Bus) Subscribe(planID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[planID] = append(b.subs[planID], sub)
}

// Unsubscribe detaches a subscriber. Idempotent: detaching twice, or
// detaching one never subscribed, is a no-op.
func (b *Bus) Unsubscribe(planID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[planID]
	for i, s := range list {
		if s == sub {
			b.subs[planID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every current subscriber of its plan. A
// failing subscriber is logged, skipped and unsubscribed; it never blocks
// others. Within a single node's lifecycle, callers are responsible for the
// ordering guarantee in spec §5 (node_started precedes log_line precedes
// node_completed/node_failed). The bus copies the subscriber list under the
// read lock and sends outside it, synchronously on the caller's goroutine,
// so events published by one goroutine reach each subscriber in call order;
// concurrent Publish calls are not ordered against each other.
func (b *Bus) Publish(planID string, kind Kind, data map[string]any) {
	ev := Event{Kind: kind, PlanID: planID, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[planID]...)
	b.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(ev); err != nil {
			slog.Debug("eventbus: subscriber send failed, skipping", "plan_id", planID, "event", kind, "error", err)
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		b.Unsubscribe(planID, sub)
	}
}
