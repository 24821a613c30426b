// Package transport defines the event channel boundary between the
// encryption core and the surrounding application: the wire item shapes, the
// Transport interface outbound ciphertext is handed to, a typed event
// dispatcher for inbound traffic, and a Noise-IK secure channel for the
// server link itself.
//
// The core never talks to the network directly. It emits Items through a
// Transport and consumes Events from a Dispatcher; the application owns the
// actual connection.
package transport
