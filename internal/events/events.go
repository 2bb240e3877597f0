package events

import (
	"log/slog"
	"sync"
)

// Event types emitted by the hub and its subsystems.
const (
	TypeProvisionPhase   = "provision_phase"
	TypeBaseRegistered   = "base_registered"
	TypeSensorRegistered = "sensor_registered"
	TypeBaseRemoved      = "base_removed"
	TypeSensorUpdate     = "sensor_update"
	TypeSensorAlarm      = "sensor_alarm"
	TypeSensorClear      = "sensor_clear"
	TypeDecommission     = "decommission"
)

// Event is a single hub event. Data is JSON-serializable.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	filter  string // empty = all types
	handler Handler
}

// Bus is a small synchronous pub/sub fan-out for hub events.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// On registers a handler for one event type. Returns an unsubscribe func.
func (b *Bus) On(eventType string, h Handler) func() {
	return b.subscribe(eventType, h)
}

// OnAll registers a handler for every event type. Returns an unsubscribe func.
func (b *Bus) OnAll(h Handler) func() {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(filter string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to all matching handlers. A panicking handler is
// recovered and logged so it cannot take down the emitter.
func (b *Bus) Emit(eventType string, data any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == "" || s.filter == eventType {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Type: eventType, Data: data}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", eventType, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
