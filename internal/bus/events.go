// Package bus is an in-process publish/subscribe bus for delivery events.
// The engine emits; the journal and metrics subscribe.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event types emitted by the delivery engine.
const (
	EventAccepted      = "delivery.accepted"
	EventRejected      = "delivery.rejected"
	EventDispatched    = "delivery.dispatched"
	EventQueued        = "delivery.queued"
	EventDeferred      = "delivery.deferred" // default consumer failed, left un-acked
	EventRetried       = "delivery.retried"
	EventDeadLettered  = "delivery.dead_lettered"
	EventForwarded     = "delivery.forwarded"
	EventForwardFailed = "delivery.forward_failed"
	EventAcked         = "delivery.acked"
	EventAckFailed     = "delivery.ack_failed"

	EventTransportConnected = "transport.connected"
	EventTransportFallback  = "transport.fallback"
	EventTransportError     = "transport.error"
	EventQueueDepth         = "queue.depth"
)

// Event is one delivery or transport occurrence for an account.
type Event struct {
	Type      string
	Account   string
	MessageID string
	From      string
	To        string
	Consumer  string
	Attempts  int
	Count     int           // batch size for acks, depth for queue.depth
	Duration  time.Duration // dispatch latency
	Err       string
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// EventBus dispatches events synchronously to handlers registered per type
// or for "*".
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
	nextID   int
}

type namedHandler struct {
	ID      string
	Handler Handler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for eventType ("*" for all).
func (eb *EventBus) On(eventType string, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
}

// Emit publishes an event to all matching handlers, in registration order.
// A panicking handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}
