// Package bus provides the async message bus coordinating page watchers, the
// tab coordinator, and panel clients.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType tags broadcast events.
type EventType string

// Broadcast event types, mirroring the extension's runtime messages.
const (
	EventOpportunityDetected EventType = "OPPORTUNITY_DETECTED"
	EventOpportunityCleared  EventType = "OPPORTUNITY_CLEARED"
)

// MsgCheckOpportunityID is the request type the coordinator sends to a tab's
// page watcher.
const MsgCheckOpportunityID = "CHECK_OPPORTUNITY_ID"

// Sentinel errors for addressed requests.
var (
	// ErrNoReceiver means no handler is bound for the address; for a tab
	// address this signals the page watcher is gone and must be re-injected.
	ErrNoReceiver = errors.New("bus: no receiver bound for address")
	// ErrTimeout means the handler did not reply within the bound.
	ErrTimeout = errors.New("bus: request timed out")
)

// Event is a broadcast detection event. Organization id is attached
// opportunistically whenever known.
type Event struct {
	Type           EventType `json:"type"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	TabID          int64     `json:"tab_id,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// CheckRequest asks a page watcher for its current classification.
type CheckRequest struct {
	Type string `json:"type"`
}

// CheckReply carries the watcher's current view of its page.
type CheckReply struct {
	OpportunityID  string `json:"opportunity_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// CheckHandler answers a CheckRequest synchronously from the watcher's
// current state.
type CheckHandler func(*CheckRequest) *CheckReply

// Bus decouples the coordinator from watchers and panels. Broadcasts are
// best-effort with no delivery or ordering guarantee; addressed requests have
// an explicit timeout and a typed failure.
type Bus struct {
	events chan *Event

	mu        sync.RWMutex
	subs      map[int64]func(*Event)
	nextSub   int64
	handlers  map[string]boundHandler
	nextBound int64
}

// boundHandler pairs a handler with the registration it belongs to, so a
// stale owner cannot unbind its replacement.
type boundHandler struct {
	id int64
	fn CheckHandler
}

// New creates a message bus.
func New() *Bus {
	return &Bus{
		events:   make(chan *Event, 100),
		subs:     make(map[int64]func(*Event)),
		handlers: make(map[string]boundHandler),
	}
}

// Publish broadcasts an event to all subscribers. Best-effort: if the bus is
// saturated the event is dropped, never blocking the publisher's loop.
func (b *Bus) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.events <- ev:
	default:
		slog.Warn("Bus event dropped", "type", ev.Type, "opportunity_id", ev.OpportunityID)
	}
}

// Subscribe registers a callback for broadcast events and returns an
// unsubscribe func. Unsubscribing twice is safe.
func (b *Bus) Subscribe(fn func(*Event)) func() {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dispatch runs the broadcast dispatcher. This should be run as a goroutine;
// it blocks until the context is cancelled.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			b.mu.RLock()
			callbacks := make([]func(*Event), 0, len(b.subs))
			for _, cb := range b.subs {
				callbacks = append(callbacks, cb)
			}
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(ev)
			}
		}
	}
}

// Bind registers the check handler for an address (one per address; a second
// Bind replaces the first). Watchers bind their tab address on start. The
// returned func unbinds this registration only: if the address has since been
// rebound by a successor, it is a no-op, so a replaced watcher tearing down
// late cannot strip the live handler.
func (b *Bus) Bind(address string, fn CheckHandler) func() {
	b.mu.Lock()
	b.nextBound++
	id := b.nextBound
	b.handlers[address] = boundHandler{id: id, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if h, ok := b.handlers[address]; ok && h.id == id {
			delete(b.handlers, address)
		}
		b.mu.Unlock()
	}
}

// Unbind removes whatever handler is bound for an address, regardless of
// owner. Idempotent.
func (b *Bus) Unbind(address string) {
	b.mu.Lock()
	delete(b.handlers, address)
	b.mu.Unlock()
}

// Bound reports whether a handler is bound for the address.
func (b *Bus) Bound(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[address]
	return ok
}

// Check sends a CheckRequest to the handler bound at address and waits for
// the reply, the timeout, or context cancellation, whichever comes first.
// A missing handler returns ErrNoReceiver immediately; a slow handler
// returns ErrTimeout. The caller's scheduling is never stalled past timeout.
func (b *Bus) Check(ctx context.Context, address string, timeout time.Duration) (*CheckReply, error) {
	b.mu.RLock()
	h, ok := b.handlers[address]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoReceiver
	}

	replyCh := make(chan *CheckReply, 1)
	go func() {
		replyCh <- h.fn(&CheckRequest{Type: MsgCheckOpportunityID})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply == nil {
			return &CheckReply{}, nil
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingEvents returns the number of undispatched broadcast events.
func (b *Bus) PendingEvents() int {
	return len(b.events)
}
