// Package bus implements the mediated message bus: capability-checked sends,
// priority-ordered drain cycles, per-component asynchronous delivery and
// correlation-based request/response.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "kestrel/core/errors"
	"kestrel/core/logger"
	"kestrel/core/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 5 * time.Second

// Handler processes one delivered message. The context carries the
// recipient's component name.
type Handler func(ctx context.Context, msg Message) error

// Options configures a Bus.
type Options struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration // used when SendRequest is given no timeout
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Sent          uint64 `json:"sent"`
	Delivered     uint64 `json:"delivered"`
	Denied        uint64 `json:"denied"`
	Undelivered   uint64 `json:"undelivered"`
	HandlerErrors uint64 `json:"handler_errors"`
	Queued        int    `json:"queued"`
	Pending       int    `json:"pending_requests"`
	Components    int    `json:"components"`
}

// Bus routes messages between registered components.
type Bus struct {
	mu             sync.Mutex
	log            *zap.Logger
	requestTimeout time.Duration
	endpoints      map[string]*Endpoint
	order          []string // registration order, used for broadcast fan-out
	queue          []Message
	pending        map[string]chan Message // correlation ID -> waiting requester
	wake           chan struct{}
	done           chan struct{}
	runCtx         context.Context
	started        bool
	closed         bool
	stats          Stats
	nextSubID      uint64
}

// New returns a new Bus. Delivery starts with Start; until then messages are
// only queued and may be delivered with Drain.
func New(opts Options) *Bus {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Bus{
		log:            logger.OrNop(opts.Logger).Named("bus"),
		requestTimeout: timeout,
		endpoints:      make(map[string]*Endpoint),
		pending:        make(map[string]chan Message),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		runCtx:         context.Background(),
	}
}

// RegisterComponent records the capabilities of name and returns an Endpoint
// bound to it. Registering the same name twice is an error.
func (b *Bus) RegisterComponent(name string, caps CapabilitySet) (*Endpoint, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == Broadcast {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "invalid component name %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, kerrors.State(kerrors.ErrClosed, "bus is closed")
	}
	if _, exists := b.endpoints[name]; exists {
		return nil, kerrors.Validation(kerrors.ErrAlreadyRegistered, "component already registered on bus").WithComponent(name)
	}
	ep := &Endpoint{
		bus:    b,
		name:   name,
		caps:   caps,
		grants: compile(caps),
		box:    newMailbox(),
	}
	b.endpoints[name] = ep
	b.order = append(b.order, name)
	go ep.box.run(func(msg Message) { b.dispatch(ep, msg) })
	b.log.Debug("Component registered on bus", zap.String("component", name))
	return ep, nil
}

// UnregisterComponent removes name from the bus. Messages still in its mailbox are dropped.
func (b *Bus) UnregisterComponent(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	if !ok {
		return kerrors.Validation(kerrors.ErrNotFound, "component not registered on bus").WithComponent(name)
	}
	delete(b.endpoints, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	ep.box.close()
	return nil
}

// Endpoint returns the endpoint registered under name.
func (b *Bus) Endpoint(name string) (*Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

// Components returns registered component names in registration order.
func (b *Bus) Components() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Subscribe adds a handler for every message addressed to name or broadcast.
// The returned function removes the handler.
func (b *Bus) Subscribe(name string, h Handler) (func(), error) {
	if h == nil {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	if !ok {
		return nil, kerrors.Validation(kerrors.ErrNotFound, "component not registered on bus").WithComponent(name)
	}
	b.nextSubID++
	id := b.nextSubID
	ep.subs = append(ep.subs, subscription{id: id, fn: h})
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range ep.subs {
			if s.id == id {
				ep.subs = append(ep.subs[:i:i], ep.subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// Send validates and enqueues msg. Permission violations are returned here
// and the message is never enqueued.
func (b *Bus) Send(ctx context.Context, msg Message) (string, error) {
	return b.send(ctx, msg, false)
}

// send enqueues msg. Responses produced by SendResponse are authorized by the
// original request and skip capability checks.
func (b *Bus) send(ctx context.Context, msg Message, response bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !msg.Type.Valid() {
		return "", kerrors.Validation(kerrors.ErrInvalidInput, "unknown message type %d", uint8(msg.Type)).WithComponent(msg.From)
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", kerrors.Validation(kerrors.ErrInvalidInput, "message has no recipient").WithComponent(msg.From)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", kerrors.State(kerrors.ErrClosed, "bus is closed")
	}
	sender, ok := b.endpoints[msg.From]
	if !ok {
		b.mu.Unlock()
		return "", kerrors.Validation(kerrors.ErrNotFound, "unknown sender %q", msg.From)
	}
	if !response && !sender.grants.send.has(msg.Type) {
		b.stats.Denied++
		b.mu.Unlock()
		return "", b.denied(msg, fmt.Sprintf("%s may not send %s", msg.From, msg.Type))
	}
	if !msg.IsBroadcast() {
		recipient, ok := b.endpoints[msg.To]
		if !ok {
			b.mu.Unlock()
			return "", kerrors.Validation(kerrors.ErrNotFound, "unknown recipient %q", msg.To).WithComponent(msg.From)
		}
		if !response && !recipient.grants.receive.has(msg.Type) {
			b.stats.Denied++
			b.mu.Unlock()
			return "", b.denied(msg, fmt.Sprintf("%s may not receive %s", msg.To, msg.Type))
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	msg.Timestamp = time.Now()
	b.queue = append(b.queue, msg)
	b.stats.Sent++
	b.mu.Unlock()

	metrics.BusMessages.WithLabelValues(msg.Type.String(), "sent").Inc()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return msg.ID, nil
}

func (b *Bus) denied(msg Message, reason string) error {
	metrics.BusMessages.WithLabelValues(msg.Type.String(), "denied").Inc()
	b.log.Warn("Message rejected", zap.String("from", msg.From), zap.String("to", msg.To),
		zap.Stringer("type", msg.Type), zap.String("reason", reason))
	return kerrors.Permission("%s", reason).WithComponent(msg.From)
}

// SendRequest sends a correlated request and waits for the matching response.
// A RESPONSE_SUCCESS resolves with its payload, a RESPONSE_ERROR rejects with
// ErrRequestFailed, and no response within timeout rejects with a TimeoutError.
func (b *Bus) SendRequest(ctx context.Context, from, to string, t MessageType, payload interface{}, timeout time.Duration) (interface{}, error) {
	if to == Broadcast {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "requests must be addressed to a single component").WithComponent(from)
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	corr := uuid.NewString()
	ch := make(chan Message, 1)
	b.mu.Lock()
	b.pending[corr] = ch
	b.mu.Unlock()

	msg := Message{From: from, To: to, Type: t, Payload: payload, CorrelationID: corr, ExpectsResponse: true}
	if _, err := b.send(ctx, msg, false); err != nil {
		b.forget(corr)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, kerrors.State(kerrors.ErrClosed, "bus closed while waiting for %s", to)
		}
		if resp.Type == TypeResponseError {
			return nil, requestFailed(to, resp.Payload)
		}
		return resp.Payload, nil
	case <-timer.C:
		b.forget(corr)
		return nil, kerrors.Timeout("no response from %s to %s within %s", to, t, timeout).WithComponent(from)
	case <-ctx.Done():
		b.forget(corr)
		return nil, ctx.Err()
	}
}

func (b *Bus) forget(corr string) {
	b.mu.Lock()
	delete(b.pending, corr)
	b.mu.Unlock()
}

func requestFailed(to string, payload interface{}) error {
	e := &kerrors.Error{Kind: kerrors.KindExecution, Reason: kerrors.ErrRequestFailed, Component: to}
	switch p := payload.(type) {
	case nil:
	case error:
		e.Err = p
	case string:
		e.Message = p
	default:
		e.Message = fmt.Sprint(p)
	}
	return e
}

// SendResponse answers original. It is a no-op when original did not ask for
// a response.
func (b *Bus) SendResponse(original Message, success bool, payload interface{}) error {
	if !original.ExpectsResponse || original.CorrelationID == "" {
		return nil
	}
	t := TypeResponseSuccess
	if !success {
		t = TypeResponseError
	}
	resp := Message{
		From:          original.To,
		To:            original.From,
		Type:          t,
		Payload:       payload,
		Priority:      original.Priority,
		CorrelationID: original.CorrelationID,
	}
	_, err := b.send(context.Background(), resp, true)
	return err
}

// Drain runs one drain cycle: everything queued so far is delivered in
// descending priority, FIFO among equal priorities. It returns the number of
// messages routed.
func (b *Bus) Drain() int {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})
	for _, msg := range batch {
		b.route(msg)
	}
	return len(batch)
}

func (b *Bus) route(msg Message) {
	if msg.Type.IsResponse() && msg.CorrelationID != "" {
		b.mu.Lock()
		ch, waiting := b.pending[msg.CorrelationID]
		delete(b.pending, msg.CorrelationID)
		b.mu.Unlock()
		if waiting {
			ch <- msg
			b.countDelivered(msg)
			return
		}
		b.log.Debug("Dropping response with no waiting request", zap.String("correlation_id", msg.CorrelationID))
		b.countUndelivered(msg)
		return
	}

	b.mu.Lock()
	var targets []*Endpoint
	if msg.IsBroadcast() {
		for _, name := range b.order {
			if name != msg.From {
				targets = append(targets, b.endpoints[name])
			}
		}
	} else if ep, ok := b.endpoints[msg.To]; ok {
		targets = append(targets, ep)
	}
	var ready []*Endpoint
	for _, ep := range targets {
		if len(ep.subs) > 0 {
			ready = append(ready, ep)
		}
	}
	b.mu.Unlock()

	if !msg.IsBroadcast() && len(ready) == 0 {
		b.log.Debug("Dropping message with no handler", zap.String("to", msg.To), zap.Stringer("type", msg.Type))
		b.countUndelivered(msg)
		return
	}
	for _, ep := range ready {
		ep.box.push(msg)
		b.countDelivered(msg)
	}
}

func (b *Bus) countDelivered(msg Message) {
	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
	metrics.BusMessages.WithLabelValues(msg.Type.String(), "delivered").Inc()
}

func (b *Bus) countUndelivered(msg Message) {
	b.mu.Lock()
	b.stats.Undelivered++
	b.mu.Unlock()
	metrics.BusMessages.WithLabelValues(msg.Type.String(), "undelivered").Inc()
}

// dispatch runs on the recipient's mailbox goroutine.
func (b *Bus) dispatch(ep *Endpoint, msg Message) {
	b.mu.Lock()
	subs := append([]subscription(nil), ep.subs...)
	ctx := b.runCtx
	b.mu.Unlock()

	ctx = logger.WithComponentName(ctx, ep.name)
	for _, s := range subs {
		if err := b.invoke(ctx, ep.name, s.fn, msg); err != nil {
			b.mu.Lock()
			b.stats.HandlerErrors++
			b.mu.Unlock()
			metrics.BusMessages.WithLabelValues(msg.Type.String(), "handler_error").Inc()
			b.log.Error("Message handler failed", zap.String("component", ep.name),
				zap.String("message_id", msg.ID), zap.Stringer("type", msg.Type), zap.Error(err))
		}
	}
}

// invoke calls h and converts a panic into an ExecutionError.
func (b *Bus) invoke(ctx context.Context, name string, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.Execution(nil, "panic in handler: %v", r).WithComponent(name)
		}
	}()
	return h(ctx, msg)
}

// Start runs the drain loop until ctx is cancelled or the bus is closed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return kerrors.State(kerrors.ErrClosed, "bus is closed")
	}
	if b.started {
		b.mu.Unlock()
		return kerrors.State(kerrors.ErrIllegalTransition, "bus already started")
	}
	b.started = true
	b.runCtx = ctx
	b.mu.Unlock()

	go b.loop(ctx)
	return nil
}

func (b *Bus) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-b.wake:
			b.Drain()
		}
	}
}

// Close stops delivery, stops every mailbox and rejects waiting requests.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for _, ep := range b.endpoints {
		ep.box.close()
	}
	for corr, ch := range b.pending {
		close(ch)
		delete(b.pending, corr)
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Queued = len(b.queue)
	s.Pending = len(b.pending)
	s.Components = len(b.endpoints)
	return s
}
