// Package events carries agent progress notifications from the runner and the
// progress_update tool to whoever is watching: the log, a CLI, websocket
// clients.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Progress stages emitted by the runner.
const (
	StageThinking   = "thinking"
	StageToolCall   = "tool_call"
	StageToolResult = "tool_result"
	StageRetry      = "retry"
	StageCompress   = "compress"
	StageProgress   = "progress"
	StageDone       = "done"
)

// Event is one progress notification.
type Event struct {
	RequestID string    `json:"request_id,omitempty"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives progress notifications. Implementations must not block the
// caller for long; the runner emits inline.
type Sink interface {
	Emit(stage, message, detail string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(string, string, string) {}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(stage, message, detail string) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	if detail != "" {
		l.Info(message, "stage", stage, "detail", detail)
		return
	}
	l.Info(message, "stage", stage)
}

// Func adapts a function to Sink.
type Func func(stage, message, detail string)

func (f Func) Emit(stage, message, detail string) { f(stage, message, detail) }

// Handler receives events published on a Bus.
type Handler func(Event)

// Subscription is returned by Bus.Subscribe.
type Subscription struct {
	ID          int64
	Unsubscribe func()
}

type subscriberMap map[int64]Handler

// Bus fans events out to subscribers. Subscribers are kept in a copy-on-write
// map so Publish never takes a lock. Delivery is synchronous; slow
// subscribers should buffer on their side.
type Bus struct {
	subscribers atomic.Pointer[subscriberMap]
	nextID      atomic.Int64
	published   atomic.Int64
	mu          sync.Mutex // serializes writers of subscribers
	logger      *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger}
	empty := make(subscriberMap)
	b.subscribers.Store(&empty)
	return b
}

// Subscribe registers h and returns a handle for removing it.
func (b *Bus) Subscribe(h Handler) Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	old := b.subscribers.Load()
	next := make(subscriberMap, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	next[id] = h
	b.subscribers.Store(&next)
	b.mu.Unlock()

	return Subscription{ID: id, Unsubscribe: func() { b.remove(id) }}
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subscribers.Load()
	if _, ok := (*old)[id]; !ok {
		return
	}
	next := make(subscriberMap, len(*old))
	for k, v := range *old {
		if k != id {
			next[k] = v
		}
	}
	b.subscribers.Store(&next)
}

// Publish delivers evt to every subscriber. A panicking subscriber is logged
// and skipped.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.published.Add(1)
	for id, h := range *b.subscribers.Load() {
		b.deliver(id, h, evt)
	}
}

func (b *Bus) deliver(id int64, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", "subscription_id", id, "stage", evt.Stage, "panic", fmt.Sprint(r))
		}
	}()
	h(evt)
}

// Published returns the number of events published so far.
func (b *Bus) Published() int64 { return b.published.Load() }

// ForRequest returns a Sink that stamps events with requestID and publishes
// them on the bus.
func (b *Bus) ForRequest(requestID string) Sink {
	return Func(func(stage, message, detail string) {
		b.Publish(Event{RequestID: requestID, Stage: stage, Message: message, Detail: detail})
	})
}

// Multi emits to every sink in order.
type Multi []Sink

func (m Multi) Emit(stage, message, detail string) {
	for _, s := range m {
		if s != nil {
			s.Emit(stage, message, detail)
		}
	}
}
