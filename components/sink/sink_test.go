package sink_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"kestrel/components/sink"
	"kestrel/core/bus"
	"kestrel/core/component"
	"kestrel/core/config"
	"kestrel/core/kernel"
)

func newHost(t *testing.T, section map[string]interface{}) *kernel.Host {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.HeartbeatInterval = 0
	if section != nil {
		cfg.Components = map[string]map[string]interface{}{sink.Name: section}
	}
	h, err := kernel.New(kernel.Options{Config: cfg})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSink_CountsFilteredBroadcasts(t *testing.T) {
	h := newHost(t, map[string]interface{}{"types": []interface{}{"LIFECYCLE"}, "log_every": "1"})
	s := sink.New()
	var ep *bus.Endpoint
	probe := &component.Func{
		Desc: component.Descriptor{
			Name:         "probe",
			Version:      "1.0.0",
			Dependencies: []component.Dependency{{Name: sink.Name}},
			Capabilities: bus.CapabilitySet{CanSend: []bus.MessageType{bus.TypeRequest}},
		},
		InitFunc: func(ctx context.Context, hd component.Handle) error {
			ep = hd.Endpoint()
			return nil
		},
	}
	ctx := context.Background()
	for _, c := range []component.Component{s, probe} {
		if err := h.Register(ctx, c); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer h.Shutdown(ctx)

	waitFor(t, func() bool { return s.Count(bus.TypeLifecycle) >= 3 })
	if n := s.Count(bus.TypeStateSync); n != 0 {
		t.Fatalf("state sync should be filtered, counted %d", n)
	}

	got, err := ep.Request(ctx, sink.Name, bus.TypeRequest, "stats", time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	counts, ok := got.(map[string]uint64)
	if !ok || counts["LIFECYCLE"] == 0 {
		t.Fatalf("unexpected counts %#v", got)
	}
}

func TestSink_CountsEverythingByDefault(t *testing.T) {
	h := newHost(t, nil)
	s := sink.New()
	ctx := context.Background()
	if err := h.Register(ctx, s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := h.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	waitFor(t, func() bool { return s.Count(bus.TypeStateSync) >= 1 })
	if err := h.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	waitFor(t, func() bool { return s.Count(bus.TypeStateSync) >= 2 })
	_ = h.Shutdown(ctx)
}

func TestSink_Reconfigure(t *testing.T) {
	s := sink.New()
	if err := s.OnConfigChanged(context.Background(), map[string]interface{}{"types": []string{"NOPE"}}); err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
	if err := s.OnConfigChanged(context.Background(), map[string]interface{}{"types": []string{"event", "heartbeat"}}); err != nil {
		t.Fatalf("OnConfigChanged failed: %v", err)
	}
	if !reflect.DeepEqual(s.Counts(), map[string]uint64{}) {
		t.Fatalf("fresh sink should have no counts, got %v", s.Counts())
	}
}
