package router

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies an emitted router event.
type EventKind string

const (
	EventDispatched     EventKind = "dispatched"
	EventAttemptFailed  EventKind = "attempt_failed"
	EventBreakerOpened  EventKind = "breaker_opened"
	EventBreakerClosed  EventKind = "breaker_closed"
	EventBudgetWarning  EventKind = "budget_warning"
	EventBudgetCritical EventKind = "budget_critical"
	EventBudgetExceeded EventKind = "budget_exceeded"
)

// Event is one observability record emitted by the router.
type Event struct {
	Kind      EventKind `json:"kind"`
	Provider  string    `json:"provider,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink consumes router events. Sinks must not block; slow consumers
// should buffer internally.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// Emitter fans events out to registered sinks.
type Emitter struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// NewEmitter creates an emitter with the given sinks.
func NewEmitter(sinks ...EventSink) *Emitter {
	return &Emitter{sinks: sinks}
}

// AddSink registers another sink.
func (e *Emitter) AddSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit delivers the event to every sink.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ctx, ev)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "events")}
}

// Emit implements EventSink.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	s.logger.InfoContext(ctx, "router event",
		"kind", string(e.Kind),
		"provider", e.Provider,
		"request_id", e.RequestID,
		"detail", e.Detail,
	)
}

// StoreSink persists events through an EventStore.
type StoreSink struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSink creates a sink that records events in the given store.
func NewStoreSink(store EventStore, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger.With("component", "events")}
}

// Emit implements EventSink.
func (s *StoreSink) Emit(ctx context.Context, e Event) {
	if err := s.store.RecordEvent(ctx, e); err != nil {
		s.logger.Warn("failed to record event", "kind", string(e.Kind), "error", err)
	}
}
