package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"kestrel/core/bus"
	"kestrel/core/component"
	kerrors "kestrel/core/errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ForwarderName is the component name the forwarder registers under.
const ForwarderName = "bridge"

// Forwarder is a component that republishes every broadcast it receives on
// <prefix>.events.<type>.
type Forwarder struct {
	nc     *nats.Conn
	prefix string

	mu          sync.Mutex
	log         *zap.Logger
	unsubscribe func()

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

var (
	_ component.Component      = (*Forwarder)(nil)
	_ component.HealthReporter = (*Forwarder)(nil)
)

// NewForwarder returns a forwarder publishing on nc under prefix.
func NewForwarder(nc *nats.Conn, prefix string) *Forwarder {
	if prefix == "" {
		prefix = "kestrel"
	}
	return &Forwarder{nc: nc, prefix: prefix, log: zap.NewNop()}
}

func (f *Forwarder) Descriptor() component.Descriptor {
	return component.Descriptor{
		Name:     ForwarderName,
		Version:  "1.0.0",
		Type:     "transport",
		Tags:     []string{"nats", "events"},
		Priority: -10,
		Capabilities: bus.CapabilitySet{
			CanReceive: []bus.MessageType{bus.TypeEvent, bus.TypeNotification, bus.TypeLifecycle, bus.TypeHeartbeat, bus.TypeStateSync},
		},
	}
}

func (f *Forwarder) Initialize(ctx context.Context, h component.Handle) error {
	if h.Endpoint() == nil {
		return kerrors.State(kerrors.ErrNotFound, "forwarder has no bus endpoint").WithComponent(ForwarderName)
	}
	unsubscribe, err := h.Endpoint().Subscribe(f.forward)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.log = h.Logger()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) forward(ctx context.Context, msg bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		f.failed.Add(1)
		return kerrors.Execution(err, "encode %s message", msg.Type).WithComponent(ForwarderName)
	}
	if err := f.nc.Publish(eventSubject(f.prefix, msg.Type.String()), data); err != nil {
		f.failed.Add(1)
		return kerrors.Execution(err, "publish %s message", msg.Type).WithComponent(ForwarderName)
	}
	f.forwarded.Add(1)
	return nil
}

func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	log := f.log
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	log.Info("Forwarder stopped", zap.Uint64("forwarded", f.forwarded.Load()), zap.Uint64("failed", f.failed.Load()))
	if f.nc.IsClosed() {
		return nil
	}
	return f.nc.FlushWithContext(ctx)
}

// Health reports degraded while the NATS connection is down.
func (f *Forwarder) Health(ctx context.Context) component.HealthStatus {
	if !f.nc.IsConnected() {
		return component.HealthStatus{Status: "degraded", Message: "NATS connection is down"}
	}
	return component.HealthStatus{Status: "healthy"}
}

// Forwarded returns how many messages were published.
func (f *Forwarder) Forwarded() uint64 { return f.forwarded.Load() }
