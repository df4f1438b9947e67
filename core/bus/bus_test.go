package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kerrors "kestrel/core/errors"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	got  chan Message
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Message, 64)}
}

func (r *recorder) handle(ctx context.Context, msg Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- msg
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for len(out) < n {
		select {
		case m := <-r.got:
			out = append(out, m)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d of %d", len(out)+1, n)
		}
	}
	return out
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r.got:
		t.Fatalf("unexpected message delivered: %+v", m)
	case <-time.After(d):
	}
}

func mustRegister(t *testing.T, b *Bus, name string, caps CapabilitySet) *Endpoint {
	t.Helper()
	ep, err := b.RegisterComponent(name, caps)
	if err != nil {
		t.Fatalf("RegisterComponent(%s): %v", name, err)
	}
	return ep
}

func TestRegisterComponentRejectsDuplicates(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	mustRegister(t, b, "a", AllCapabilities())
	_, err := b.RegisterComponent("a", AllCapabilities())
	if !errors.Is(err, kerrors.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := b.RegisterComponent(Broadcast, AllCapabilities()); kerrors.KindOf(err) != kerrors.KindValidation {
		t.Fatalf("expected validation error for broadcast name, got %v", err)
	}
}

func TestSendWithoutCapabilityIsRejected(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sender := mustRegister(t, b, "sender", CapabilitySet{CanSend: []MessageType{TypeEvent}})
	mustRegister(t, b, "receiver", AllCapabilities())
	rec := newRecorder()
	if _, err := b.Subscribe("receiver", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, err := sender.Send(context.Background(), "receiver", TypeCommand, "reboot")
	if !errors.Is(err, kerrors.ErrPermissionDenied) || kerrors.KindOf(err) != kerrors.KindPermission {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if b.Drain() != 0 {
		t.Fatal("denied message must not be queued")
	}
	rec.expectNone(t, 50*time.Millisecond)
	if got := b.Stats().Denied; got != 1 {
		t.Errorf("Denied = %d, want 1", got)
	}
}

func TestSendChecksReceiverButBroadcastDoesNot(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sender := mustRegister(t, b, "sender", AllCapabilities())
	mustRegister(t, b, "deaf", CapabilitySet{CanReceive: []MessageType{TypeHeartbeat}})
	rec := newRecorder()
	if _, err := b.Subscribe("deaf", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	self := newRecorder()
	if _, err := sender.Subscribe(self.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := sender.Send(context.Background(), "deaf", TypeEvent, nil); !errors.Is(err, kerrors.ErrPermissionDenied) {
		t.Fatalf("expected receiver permission error, got %v", err)
	}
	if _, err := sender.Broadcast(context.Background(), TypeEvent, "hello"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	b.Drain()
	got := rec.wait(t, 1)
	if got[0].Payload != "hello" || !got[0].IsBroadcast() {
		t.Errorf("unexpected broadcast delivery: %+v", got[0])
	}
	self.expectNone(t, 50*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	ep := mustRegister(t, b, "a", AllCapabilities())

	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"unknown recipient", Message{From: "a", To: "ghost", Type: TypeEvent}, kerrors.ErrNotFound},
		{"unknown sender", Message{From: "ghost", To: "a", Type: TypeEvent}, kerrors.ErrNotFound},
		{"no recipient", Message{From: "a", Type: TypeEvent}, kerrors.ErrInvalidInput},
		{"invalid type", Message{From: "a", To: "a", Type: MessageType(42)}, kerrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Send(context.Background(), tt.msg)
			if !errors.Is(err, tt.want) || kerrors.KindOf(err) != kerrors.KindValidation {
				t.Errorf("Send() error = %v, want validation %v", err, tt.want)
			}
		})
	}
	if _, err := ep.Request(context.Background(), Broadcast, TypeRequest, nil, time.Second); kerrors.KindOf(err) != kerrors.KindValidation {
		t.Errorf("broadcast request error = %v, want validation", err)
	}
}

func TestDrainOrdersByPriorityThenFIFO(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	src := mustRegister(t, b, "src", AllCapabilities())
	mustRegister(t, b, "dst", AllCapabilities())
	rec := newRecorder()
	if _, err := b.Subscribe("dst", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	send := func(label string, p Priority) {
		if _, err := src.Send(context.Background(), "dst", TypeEvent, label, WithPriority(p)); err != nil {
			t.Fatalf("send %s: %v", label, err)
		}
	}
	send("low-1", PriorityLow)
	send("normal-1", PriorityNormal)
	send("critical-1", PriorityCritical)
	send("low-2", PriorityLow)
	send("high-1", PriorityHigh)
	send("normal-2", 0) // zero means normal

	if n := b.Drain(); n != 6 {
		t.Fatalf("Drain() = %d, want 6", n)
	}
	got := rec.wait(t, 6)
	want := []string{"critical-1", "high-1", "normal-1", "normal-2", "low-1", "low-2"}
	for i, m := range got {
		if m.Payload != want[i] {
			t.Fatalf("delivery %d = %v, want %v (all: %v)", i, m.Payload, want[i], payloads(got))
		}
	}
}

func payloads(msgs []Message) []interface{} {
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func TestSendRequestResolvesWithResponsePayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(Options{})
	defer b.Close()
	client := mustRegister(t, b, "client", AllCapabilities())
	server := mustRegister(t, b, "server", AllCapabilities())
	type answer struct{ Sum int }
	if _, err := server.Subscribe(func(ctx context.Context, msg Message) error {
		nums := msg.Payload.([]int)
		return server.Respond(msg, true, answer{Sum: nums[0] + nums[1]})
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := client.Request(ctx, "server", TypeRequest, []int{2, 3}, time.Second)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got, ok := res.(answer); !ok || got.Sum != 5 {
		t.Fatalf("Request() = %#v, want answer{5}", res)
	}
	if b.Stats().Pending != 0 {
		t.Errorf("pending requests left behind")
	}
}

func TestSendRequestRejectsOnErrorResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(Options{})
	defer b.Close()
	client := mustRegister(t, b, "client", AllCapabilities())
	// The server may not send responses directly; answering a request is still allowed.
	server := mustRegister(t, b, "server", CapabilitySet{CanReceive: []MessageType{TypeRequest}})
	if _, err := server.Subscribe(func(ctx context.Context, msg Message) error {
		return server.Respond(msg, false, "disk full")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := client.Request(ctx, "server", TypeRequest, nil, time.Second)
	if !errors.Is(err, kerrors.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	var typed *kerrors.Error
	if !errors.As(err, &typed) || typed.Message != "disk full" {
		t.Errorf("expected carried error message, got %v", err)
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(Options{})
	defer b.Close()
	client := mustRegister(t, b, "client", AllCapabilities())
	mustRegister(t, b, "silent", AllCapabilities())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	_, err := client.Request(ctx, "silent", TypeRequest, nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, kerrors.ErrTimeout) || kerrors.KindOf(err) != kerrors.KindTimeout {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Errorf("request rejected after %v, want ~100ms", elapsed)
	}
	if b.Stats().Pending != 0 {
		t.Errorf("timed out request still pending")
	}
}

func TestSendResponseIsNoopWithoutRequest(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	mustRegister(t, b, "a", AllCapabilities())
	mustRegister(t, b, "b", AllCapabilities())
	if err := b.SendResponse(Message{From: "a", To: "b", Type: TypeEvent}, true, "x"); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	if b.Stats().Sent != 0 {
		t.Error("SendResponse must not send when no response was requested")
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	src := mustRegister(t, b, "src", AllCapabilities())
	mustRegister(t, b, "faulty", AllCapabilities())
	mustRegister(t, b, "healthy", AllCapabilities())
	if _, err := b.Subscribe("faulty", func(ctx context.Context, msg Message) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rec := newRecorder()
	if _, err := b.Subscribe("healthy", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	failing := newRecorder()
	if _, err := b.Subscribe("faulty", failing.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := src.Broadcast(context.Background(), TypeEvent, i); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	b.Drain()
	rec.wait(t, 3)
	// The second handler on the faulty component still runs for every message.
	failing.wait(t, 3)

	deadline := time.After(time.Second)
	for b.Stats().HandlerErrors < 3 {
		select {
		case <-deadline:
			t.Fatalf("HandlerErrors = %d, want 3", b.Stats().HandlerErrors)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	src := mustRegister(t, b, "src", AllCapabilities())
	mustRegister(t, b, "slow", AllCapabilities())
	mustRegister(t, b, "fast", AllCapabilities())
	release := make(chan struct{})
	defer close(release)
	if _, err := b.Subscribe("slow", func(ctx context.Context, msg Message) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rec := newRecorder()
	if _, err := b.Subscribe("fast", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := src.Broadcast(context.Background(), TypeNotification, i); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	b.Drain()
	rec.wait(t, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	src := mustRegister(t, b, "src", AllCapabilities())
	mustRegister(t, b, "dst", AllCapabilities())
	rec := newRecorder()
	cancel, err := b.Subscribe("dst", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	if _, err := src.Send(context.Background(), "dst", TypeEvent, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	b.Drain()
	rec.expectNone(t, 50*time.Millisecond)
	if got := b.Stats().Undelivered; got != 1 {
		t.Errorf("Undelivered = %d, want 1", got)
	}
}

func TestUnregisterComponent(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	src := mustRegister(t, b, "src", AllCapabilities())
	mustRegister(t, b, "dst", AllCapabilities())
	if err := b.UnregisterComponent("dst"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	for _, name := range b.Components() {
		if name == "dst" {
			t.Fatalf("dst still listed: %v", b.Components())
		}
	}
	if _, err := src.Send(context.Background(), "dst", TypeEvent, nil); kerrors.KindOf(err) != kerrors.KindValidation {
		t.Fatalf("send to unregistered: expected validation error, got %v", err)
	}
	if err := b.UnregisterComponent("dst"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("second unregister: expected not found, got %v", err)
	}
	if _, err := b.RegisterComponent("dst", AllCapabilities()); err != nil {
		t.Fatalf("name should be reusable: %v", err)
	}
}

func TestCloseRejectsWaitingRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(Options{})
	client := mustRegister(t, b, "client", AllCapabilities())
	mustRegister(t, b, "server", AllCapabilities())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "server", TypeRequest, nil, 5*time.Second)
		errCh <- err
	}()
	deadline := time.After(time.Second)
	for b.Stats().Pending == 0 {
		select {
		case <-deadline:
			t.Fatal("request never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, kerrors.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request not rejected after Close")
	}
	if _, err := client.Send(ctx, "server", TypeEvent, nil); !errors.Is(err, kerrors.ErrClosed) {
		t.Errorf("Send after Close error = %v, want ErrClosed", err)
	}
}

func TestParseMessageType(t *testing.T) {
	for _, typ := range AllTypes() {
		parsed, err := ParseMessageType(typ.String())
		if err != nil || parsed != typ {
			t.Errorf("ParseMessageType(%q) = %v, %v", typ.String(), parsed, err)
		}
	}
	if _, err := ParseMessageType("TOOL_REQUEST"); err == nil {
		t.Error("expected error for unknown type")
	}
	caps, err := ParseCapabilities([]string{"event", "COMMAND"}, []string{"*"})
	if err != nil {
		t.Fatalf("ParseCapabilities() error = %v", err)
	}
	g := compile(caps)
	if !g.send.has(TypeEvent) || !g.send.has(TypeCommand) || g.send.has(TypeRequest) {
		t.Errorf("unexpected send grants %b", g.send)
	}
	if len(caps.CanReceive) != len(AllTypes()) {
		t.Errorf("wildcard receive = %v", caps.CanReceive)
	}
}
