package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"kestrel/core/auth"
	"kestrel/core/bridge"
	"kestrel/core/bus"
	"kestrel/core/component"
	"kestrel/core/config"
	kerrors "kestrel/core/errors"
	"kestrel/core/kernel"
	"kestrel/core/lifecycle"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startNATS runs an in-process NATS server on a random port.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	nc, err := bridge.Connect(ns.ClientURL(), "kestrel-test", nil)
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func newHost(t *testing.T, cfg *config.Config) *kernel.Host {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Scheduler.HeartbeatInterval = 0
	h, err := kernel.New(kernel.Options{Config: cfg})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	return h
}

func worker(name string) *component.Func {
	return &component.Func{Desc: component.Descriptor{Name: name, Version: "1.0.0"}}
}

func startBridge(t *testing.T, nc *nats.Conn, h *kernel.Host) *bridge.Client {
	t.Helper()
	srv := bridge.NewServer(nc, h, bridge.ServerOptions{SubjectPrefix: "test"})
	if err := srv.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	return bridge.NewClient(nc, "test", 2*time.Second)
}

func TestBridge_StatusAndComponents(t *testing.T) {
	nc := startNATS(t)
	h := newHost(t, nil)
	ctx := context.Background()
	if err := h.Register(ctx, worker("alpha")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)
	client := startBridge(t, nc, h)

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != kernel.StateRunning || st.Components != 1 || st.Active != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	infos, err := client.Components(ctx)
	if err != nil {
		t.Fatalf("Components failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Descriptor.Name != "alpha" || infos[0].State != component.StateRunning {
		t.Fatalf("unexpected components %+v", infos)
	}

	procs, err := client.Processes(ctx)
	if err != nil {
		t.Fatalf("Processes failed: %v", err)
	}
	if len(procs) != 0 {
		t.Fatalf("expected no processes, got %d", len(procs))
	}
}

func TestBridge_PauseResumeAndToggle(t *testing.T) {
	nc := startNATS(t)
	h := newHost(t, nil)
	ctx := context.Background()
	_ = h.Register(ctx, worker("alpha"))
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)
	client := startBridge(t, nc, h)

	if err := client.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if h.State() != kernel.StatePaused {
		t.Fatalf("expected paused, got %s", h.State())
	}
	err := client.Pause(ctx)
	var detail *bridge.ErrorDetail
	if !errors.As(err, &detail) || detail.Code != "STATE" {
		t.Fatalf("second Pause: expected STATE error, got %v", err)
	}
	if err := client.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if err := client.Disable(ctx, "alpha"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if info, _ := h.Orchestrator().Get("alpha"); info.Enabled {
		t.Fatal("alpha should be disabled")
	}
	if err := client.Enable(ctx, "alpha"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	err = client.Enable(ctx, "")
	if !errors.As(err, &detail) || detail.Code != bridge.CodeInvalidRequest {
		t.Fatalf("Enable without component: expected INVALID_REQUEST, got %v", err)
	}
	err = client.Disable(ctx, "ghost")
	if !errors.As(err, &detail) || detail.Code != "VALIDATION" {
		t.Fatalf("Disable unknown: expected VALIDATION, got %v", err)
	}
}

func TestBridge_PermissionDenied(t *testing.T) {
	nc := startNATS(t)
	cfg := config.Default()
	cfg.Auth.Roles = []auth.Role{{Name: "viewer", Permissions: []auth.Permission{"host.control.status"}}}
	h := newHost(t, cfg)
	ctx := context.Background()
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)
	client := startBridge(t, nc, h).WithPrincipal(bridge.PrincipalInfo{ID: "ops", Roles: []string{"viewer"}})

	if _, err := client.Status(ctx); err != nil {
		t.Fatalf("viewer should read status: %v", err)
	}
	err := client.Pause(ctx)
	var detail *bridge.ErrorDetail
	if !errors.As(err, &detail) || detail.Code != "PERMISSION" {
		t.Fatalf("expected PERMISSION, got %v", err)
	}
	if h.State() != kernel.StateRunning {
		t.Fatalf("denied Pause changed state to %s", h.State())
	}
}

func TestBridge_BadRequests(t *testing.T) {
	nc := startNATS(t)
	h := newHost(t, nil)
	client := startBridge(t, nc, h)
	ctx := context.Background()

	resp, err := client.Do(ctx, bridge.ControlRequest{Command: "reboot"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != bridge.CodeUnknownCommand {
		t.Fatalf("expected UNKNOWN_COMMAND, got %+v", resp)
	}

	msg, err := nc.Request("test.control", []byte("{not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("raw request failed: %v", err)
	}
	var raw bridge.ControlResponse
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if raw.OK || raw.Error == nil || raw.Error.Code != bridge.CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", raw)
	}
}

func TestBridge_NoServer(t *testing.T) {
	nc := startNATS(t)
	client := bridge.NewClient(nc, "nobody", 200*time.Millisecond)
	_, err := client.Status(context.Background())
	if kerrors.KindOf(err) != kerrors.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestBridge_Shutdown(t *testing.T) {
	nc := startNATS(t)
	h := newHost(t, nil)
	ctx := context.Background()
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	stopped := make(chan struct{})
	h.OnStateChange(func(from, to kernel.State) {
		if to == kernel.StateStopped {
			close(stopped)
		}
	})
	client := startBridge(t, nc, h)

	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("host did not stop, state %s", h.State())
	}
}

func TestForwarder_PublishesBroadcasts(t *testing.T) {
	nc := startNATS(t)
	h := newHost(t, nil)
	ctx := context.Background()

	events := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe("kestrel.events.lifecycle", events)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	fwd := bridge.NewForwarder(nc, "kestrel")
	if err := h.Register(ctx, fwd); err != nil {
		t.Fatalf("Register forwarder failed: %v", err)
	}
	if err := h.Register(ctx, worker("alpha")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-events:
			var m struct {
				From    string                   `json:"from"`
				Type    bus.MessageType          `json:"type"`
				Payload lifecycle.LifecycleEvent `json:"payload"`
			}
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if m.Type != bus.TypeLifecycle || m.From != kernel.OrchestratorEndpoint {
				t.Fatalf("unexpected message %+v", m)
			}
			if m.Payload.Component == "alpha" && m.Payload.To == component.StateRunning {
				if fwd.Forwarded() == 0 {
					t.Fatal("forwarder counter not updated")
				}
				if health := h.Health(ctx)[bridge.ForwarderName]; health.Status != "healthy" {
					t.Fatalf("forwarder health = %+v", health)
				}
				return
			}
		case <-deadline:
			t.Fatal("no lifecycle event for alpha reached NATS")
		}
	}
}
