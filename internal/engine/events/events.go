// Package events provides the ordered notification log of the settlement
// engine. Committed state changes (round started, ticket purchased, round
// refunded, winners selected) are appended to a ring buffer and pushed to
// subscribers such as the Redis publisher and the WebSocket hub.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a notification.
type EventType string

const (
	EventRoundStarted    EventType = "round.started"
	EventTicketPurchased EventType = "ticket.purchased"
	EventRoundRefunded   EventType = "round.refunded"
	EventWinnersSelected EventType = "winners.selected"
)

// Event is a single committed notification.
type Event struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	RoundID   int64     `json:"round_id"`
	Timestamp time.Time `json:"timestamp"`

	// round.started
	EndTime time.Time `json:"end_time,omitempty"`

	// ticket.purchased
	Identity string `json:"identity,omitempty"`
	Quantity int    `json:"quantity,omitempty"`

	// round.refunded
	TotalRefunded int64 `json:"total_refunded,omitempty"`

	// winners.selected
	Winners      []string `json:"winners,omitempty"`
	Prizes       []int64  `json:"prizes,omitempty"`
	PoolAfterFee int64    `json:"pool_after_fee,omitempty"`
	Fee          int64    `json:"fee,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they are logged.
type EventHandler func(Event)

// EventFilter decides whether an event should reach a handler.
type EventFilter func(Event) bool

// EventLogger is the notification sink used by the engine.
type EventLogger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler EventHandler) func()
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()
	Recent(n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular buffer of events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	seq      int64
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

var _ EventLogger = (*RingBuffer)(nil)

// NewRingBuffer creates a ring buffer holding the last size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log appends an event and notifies handlers in log order.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	rb.seq++
	event.Seq = rb.seq

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Handlers run outside the lock so they may query the buffer.
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// LogWithContext copies the trace id from ctx before logging.
func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		event.TraceID = traceID
	}
	rb.Log(event)
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned func
// unsubscribes it.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByType returns recent events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Type == eventType {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// RecentByRound returns recent events for one round, newest first.
func (rb *RingBuffer) RecentByRound(roundID int64, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].RoundID == roundID {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops all buffered events. Sequence numbers keep increasing.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID adds a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace id set by WithTraceID.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// NoOpLogger discards every event.
type NoOpLogger struct{}

var _ EventLogger = NoOpLogger{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) LogWithContext(context.Context, Event)              {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event                { return nil }
