package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventConnectivityChanged EventType = iota
	EventRoutesActivated
	EventRoutesDeactivated
	EventPolicyApplied
	EventPolicyReset
	EventConfigReloaded
)

func (t EventType) String() string {
	switch t {
	case EventConnectivityChanged:
		return "connectivity_changed"
	case EventRoutesActivated:
		return "routes_activated"
	case EventRoutesDeactivated:
		return "routes_deactivated"
	case EventPolicyApplied:
		return "policy_applied"
	case EventPolicyReset:
		return "policy_reset"
	case EventConfigReloaded:
		return "config_reloaded"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ConnectivityPayload is the payload for EventConnectivityChanged.
type ConnectivityPayload struct {
	Connected bool
}

// RoutesPayload is the payload for EventRoutesActivated.
type RoutesPayload struct {
	Installed int
	Failed    int
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

type handlerEntry struct {
	id uint64
	h  Handler
}

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	nextID   uint64
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe registers a handler for a given event type. The returned
// function removes it again.
func (eb *EventBus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[t] = append(eb.handlers[t], handlerEntry{id: id, h: h})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		list := eb.handlers[t]
		for i, e := range list {
			if e.id == id {
				eb.handlers[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, entry := range handlers {
		entry.h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, entry := range handlers {
		go entry.h(e)
	}
}
