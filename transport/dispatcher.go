package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType classifies an inbound event from the server link.
type EventType string

const (
	// EventItem is an inbound pairwise item.
	EventItem EventType = "item"
	// EventGroupItem is an inbound group item.
	EventGroupItem EventType = "group_item"
	// EventReconnected fires when the server link comes back after an
	// outage; the engine uses it to trigger a verification pass.
	EventReconnected EventType = "reconnected"
	// EventKeySync is a directory-originated control event: identity key
	// change notification or prekey reconciliation request.
	EventKeySync EventType = "key_sync"
)

// Event is one inbound occurrence on the server link. Item and GroupItem are
// set according to Type; Conversation is the peer user id or group channel
// id the event belongs to, empty for link-level events.
type Event struct {
	Type         EventType
	Conversation string
	Item         *Item
	GroupItem    *GroupItem
}

// Handler consumes one event. Handlers run on the dispatching goroutine and
// must not block for long.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

type subscriptionKey struct {
	eventType    EventType
	conversation string
}

// Dispatcher routes inbound events to subscribed handlers, keyed by
// (event type, conversation). A subscription with an empty conversation
// receives every event of its type. Handler panics are isolated so one
// broken listener cannot take down delivery to the rest.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[subscriptionKey][]subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[subscriptionKey][]subscription)}
}

// Subscribe registers a handler for events of the given type scoped to one
// conversation; an empty conversation subscribes to all of them. The
// returned id cancels the subscription via Unsubscribe.
func (d *Dispatcher) Subscribe(eventType EventType, conversation string, handler Handler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	key := subscriptionKey{eventType: eventType, conversation: conversation}
	d.subs[key] = append(d.subs[key], subscription{id: d.nextID, handler: handler})
	return d.nextID
}

// Unsubscribe removes a subscription by id.
func (d *Dispatcher) Unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, subs := range d.subs {
		for i, sub := range subs {
			if sub.id == id {
				d.subs[key] = append(subs[:i], subs[i+1:]...)
				if len(d.subs[key]) == 0 {
					delete(d.subs, key)
				}
				return
			}
		}
	}
}

// Dispatch delivers the event to every matching handler: the exact
// (type, conversation) subscribers plus the type-wide ones. All matching
// handlers are notified even if earlier ones panic.
func (d *Dispatcher) Dispatch(event Event) {
	d.mu.RLock()
	exact := d.subs[subscriptionKey{eventType: event.Type, conversation: event.Conversation}]
	var wide []subscription
	if event.Conversation != "" {
		wide = d.subs[subscriptionKey{eventType: event.Type}]
	}
	handlers := make([]subscription, 0, len(exact)+len(wide))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wide...)
	d.mu.RUnlock()

	for _, sub := range handlers {
		d.invoke(sub, event)
	}
}

func (d *Dispatcher) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Dispatch",
				"event_type":   event.Type,
				"conversation": event.Conversation,
				"panic":        r,
			}).Error("Event handler panicked")
		}
	}()
	sub.handler(event)
}
