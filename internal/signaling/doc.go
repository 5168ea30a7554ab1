// Package signaling relays room membership and session-negotiation messages
// between browser peers over WebSocket.
//
// Engine holds the event-handling logic and talks to the transport only
// through the Outbox interface. Server is the WebSocket transport: it owns one
// read and one write goroutine per connection and feeds inbound frames to the
// Engine.
//
// Relayed payloads (SDP, ICE candidates) are opaque to this package.
package signaling
