package bus

import (
	"context"
	"time"
)

type subscription struct {
	id uint64
	fn Handler
}

// Endpoint is a component's handle on the bus. Every message it sends carries
// its name as sender.
type Endpoint struct {
	bus    *Bus
	name   string
	caps   CapabilitySet
	grants grants
	box    *mailbox
	subs   []subscription // guarded by bus.mu
}

// Name returns the component name the endpoint is bound to.
func (e *Endpoint) Name() string { return e.name }

// Capabilities returns the declared capability set.
func (e *Endpoint) Capabilities() CapabilitySet { return e.caps }

// Send sends a unicast message to `to`.
func (e *Endpoint) Send(ctx context.Context, to string, t MessageType, payload interface{}, opts ...SendOption) (string, error) {
	msg := Message{From: e.name, To: to, Type: t, Payload: payload}
	for _, opt := range opts {
		opt(&msg)
	}
	return e.bus.Send(ctx, msg)
}

// Broadcast sends a message to every other registered component.
func (e *Endpoint) Broadcast(ctx context.Context, t MessageType, payload interface{}, opts ...SendOption) (string, error) {
	return e.Send(ctx, Broadcast, t, payload, opts...)
}

// Request sends a correlated request and waits for the response.
func (e *Endpoint) Request(ctx context.Context, to string, t MessageType, payload interface{}, timeout time.Duration) (interface{}, error) {
	return e.bus.SendRequest(ctx, e.name, to, t, payload, timeout)
}

// Respond answers a request delivered to this endpoint.
func (e *Endpoint) Respond(original Message, success bool, payload interface{}) error {
	return e.bus.SendResponse(original, success, payload)
}

// Subscribe adds a handler for messages addressed to this endpoint.
func (e *Endpoint) Subscribe(h Handler) (func(), error) {
	return e.bus.Subscribe(e.name, h)
}
