package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed indicates a send on a closed transport.
var ErrTransportClosed = errors.New("transport: closed")

// LoopbackTransport delivers sent items straight back into a dispatcher, as
// if the server had echoed them to the recipient instantly. Tests and
// single-process wiring use it in place of a real server link.
type LoopbackTransport struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	closed     bool

	// Drop, when set, silently discards items addressed to the returned
	// true value. Tests use it to simulate an offline device.
	Drop func(item Item) bool

	sent      []Item
	sentGroup []GroupItem
}

// NewLoopbackTransport creates a loopback over the given dispatcher.
func NewLoopbackTransport(dispatcher *Dispatcher) *LoopbackTransport {
	return &LoopbackTransport{dispatcher: dispatcher}
}

// SendItem records the item and dispatches it as an inbound event keyed by
// the recipient user id.
func (lt *LoopbackTransport) SendItem(_ context.Context, item Item) error {
	lt.mu.Lock()
	if lt.closed {
		lt.mu.Unlock()
		return ErrTransportClosed
	}
	lt.sent = append(lt.sent, item)
	drop := lt.Drop != nil && lt.Drop(item)
	lt.mu.Unlock()

	if drop {
		return nil
	}
	lt.dispatcher.Dispatch(Event{
		Type:         EventItem,
		Conversation: item.Recipient,
		Item:         &item,
	})
	return nil
}

// SendGroupItem records the item and dispatches it keyed by the channel id.
func (lt *LoopbackTransport) SendGroupItem(_ context.Context, item GroupItem) error {
	lt.mu.Lock()
	if lt.closed {
		lt.mu.Unlock()
		return ErrTransportClosed
	}
	lt.sentGroup = append(lt.sentGroup, item)
	lt.mu.Unlock()

	lt.dispatcher.Dispatch(Event{
		Type:         EventGroupItem,
		Conversation: item.ChannelID,
		GroupItem:    &item,
	})
	return nil
}

// Close marks the transport closed; later sends fail.
func (lt *LoopbackTransport) Close() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.closed = true
	return nil
}

// Sent returns a copy of every pairwise item sent so far.
func (lt *LoopbackTransport) Sent() []Item {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]Item, len(lt.sent))
	copy(out, lt.sent)
	return out
}

// SentGroup returns a copy of every group item sent so far.
func (lt *LoopbackTransport) SentGroup() []GroupItem {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]GroupItem, len(lt.sentGroup))
	copy(out, lt.sentGroup)
	return out
}
