package echo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kestrel/components/echo"
	"kestrel/core/bus"
	"kestrel/core/component"
	"kestrel/core/config"
	kerrors "kestrel/core/errors"
	"kestrel/core/kernel"
)

func TestDecodeConfig(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]interface{}
		want    echo.Config
		wantErr bool
	}{
		{name: "nil", raw: nil, want: echo.Config{}},
		{name: "typed", raw: map[string]interface{}{"prefix": "> ", "delay": "250ms", "retries": 2},
			want: echo.Config{Prefix: "> ", Delay: 250 * time.Millisecond, Retries: 2}},
		{name: "weak", raw: map[string]interface{}{"uppercase": "true", "retries": "1"},
			want: echo.Config{Uppercase: true, Retries: 1}},
		{name: "negative", raw: map[string]interface{}{"retries": -1}, wantErr: true},
		{name: "bad duration", raw: map[string]interface{}{"delay": "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := echo.DecodeConfig(tt.raw)
			if tt.wantErr {
				if kerrors.KindOf(err) != kerrors.KindValidation {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeConfig failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// client is a component that talks to echo and records its events.
type client struct {
	component.Func
	ep *bus.Endpoint

	mu     sync.Mutex
	events []echo.Reply
}

func newClient() *client {
	c := &client{}
	c.Desc = component.Descriptor{
		Name:         "client",
		Version:      "1.0.0",
		Dependencies: []component.Dependency{{Name: echo.Name, Constraint: "^1.0"}},
		Capabilities: bus.CapabilitySet{CanSend: []bus.MessageType{bus.TypeRequest, bus.TypeCommand}},
	}
	c.InitFunc = func(ctx context.Context, h component.Handle) error {
		c.ep = h.Endpoint()
		_, err := c.ep.Subscribe(func(ctx context.Context, msg bus.Message) error {
			if msg.From != echo.Name || msg.Type != bus.TypeEvent {
				return nil
			}
			c.mu.Lock()
			c.events = append(c.events, msg.Payload.(echo.Reply))
			c.mu.Unlock()
			return nil
		})
		return err
	}
	return c
}

func (c *client) received() []echo.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]echo.Reply(nil), c.events...)
}

func boot(t *testing.T, section map[string]interface{}) (*kernel.Host, *echo.Component, *client) {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.HeartbeatInterval = 0
	cfg.Components = map[string]map[string]interface{}{echo.Name: section}
	h, err := kernel.New(kernel.Options{Config: cfg})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	e, c := echo.New(), newClient()
	ctx := context.Background()
	for _, comp := range []component.Component{c, e} {
		if err := h.Register(ctx, comp); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h, e, c
}

func TestEcho_Request(t *testing.T) {
	_, e, c := boot(t, map[string]interface{}{"prefix": "> "})
	ctx := context.Background()

	got, err := c.ep.Request(ctx, echo.Name, bus.TypeRequest, "hi", time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply, ok := got.(echo.Reply); !ok || reply.Text != "> hi" || reply.Seq != 1 {
		t.Fatalf("unexpected reply %#v", got)
	}

	if _, err := c.ep.Request(ctx, echo.Name, bus.TypeRequest, nil, time.Second); !errors.Is(err, kerrors.ErrRequestFailed) {
		t.Fatalf("empty payload: expected request failure, got %v", err)
	}

	if err := e.OnConfigChanged(ctx, map[string]interface{}{"uppercase": true}); err != nil {
		t.Fatalf("OnConfigChanged failed: %v", err)
	}
	got, err = c.ep.Request(ctx, echo.Name, bus.TypeRequest, "loud", time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply := got.(echo.Reply); reply.Text != "LOUD" {
		t.Fatalf("reply after reconfigure = %q", reply.Text)
	}
	if hs := e.Health(ctx); hs.Status != "healthy" {
		t.Fatalf("health = %+v", hs)
	}
}

func TestEcho_CommandEmitsEvent(t *testing.T) {
	h, _, c := boot(t, map[string]interface{}{"prefix": "tick:", "delay": "10ms"})

	if _, err := c.ep.Send(context.Background(), echo.Name, bus.TypeCommand, 7); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.received(); len(evs) > 0 {
			if evs[0].Text != "tick:7" {
				t.Fatalf("event text = %q", evs[0].Text)
			}
			if st := h.Scheduler().GetStatus(); st.Completed < 1 {
				t.Fatalf("expected a completed process, got %+v", st)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no event from echo")
}

func TestEcho_RejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Components = map[string]map[string]interface{}{echo.Name: {"delay": "later"}}
	h, err := kernel.New(kernel.Options{Config: cfg})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	ctx := context.Background()
	if err := h.Register(ctx, echo.New()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)
	info, _ := h.Orchestrator().Get(echo.Name)
	if info.State != component.StateError {
		t.Fatalf("expected error state, got %s", info.State)
	}
}
