// Package sink is a component that counts every broadcast it sees.
package sink

import (
	"context"
	"sync"

	"kestrel/core/bus"
	"kestrel/core/component"
	kerrors "kestrel/core/errors"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Name is the component name.
const Name = "sink"

// Config is the sink section of the configuration.
type Config struct {
	// LogEvery logs a summary after this many messages. Zero disables it.
	LogEvery int `mapstructure:"log_every"`
	// Types restricts counting to these message types. Empty counts all.
	Types []string `mapstructure:"types"`
}

// Component implements component.Component.
type Component struct {
	mu          sync.Mutex
	log         *zap.Logger
	ep          *bus.Endpoint
	logEvery    int
	filter      map[bus.MessageType]bool
	counts      map[bus.MessageType]uint64
	total       uint64
	unsubscribe func()
}

var (
	_ component.Component      = (*Component)(nil)
	_ component.Reconfigurable = (*Component)(nil)
)

// New returns an empty sink.
func New() *Component {
	return &Component{log: zap.NewNop(), counts: make(map[bus.MessageType]uint64)}
}

func (c *Component) Descriptor() component.Descriptor {
	return component.Descriptor{
		Name:    Name,
		Version: "1.0.0",
		Type:    "builtin",
		Tags:    []string{"builtin", "diagnostics"},
		Capabilities: bus.CapabilitySet{
			CanReceive: bus.AllTypes(),
		},
	}
}

func (c *Component) configure(raw map[string]interface{}) error {
	var cfg Config
	if raw != nil {
		if err := mapstructure.WeakDecode(raw, &cfg); err != nil {
			return kerrors.Validation(kerrors.ErrInvalidInput, "decode sink config: %v", err).WithComponent(Name)
		}
	}
	var filter map[bus.MessageType]bool
	if len(cfg.Types) > 0 {
		filter = make(map[bus.MessageType]bool, len(cfg.Types))
		for _, name := range cfg.Types {
			t, err := bus.ParseMessageType(name)
			if err != nil {
				return err
			}
			filter[t] = true
		}
	}
	c.mu.Lock()
	c.logEvery = cfg.LogEvery
	c.filter = filter
	c.mu.Unlock()
	return nil
}

func (c *Component) Initialize(ctx context.Context, h component.Handle) error {
	if err := c.configure(h.Config()); err != nil {
		return err
	}
	c.mu.Lock()
	c.log = h.Logger()
	c.ep = h.Endpoint()
	c.mu.Unlock()
	unsubscribe, err := h.Endpoint().Subscribe(c.receive)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	return nil
}

func (c *Component) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	total := c.total
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.log.Info("Sink closed", zap.Uint64("total", total))
	return nil
}

func (c *Component) OnConfigChanged(ctx context.Context, section map[string]interface{}) error {
	return c.configure(section)
}

func (c *Component) receive(ctx context.Context, msg bus.Message) error {
	if msg.Type == bus.TypeRequest {
		return c.ep.Respond(msg, true, c.Counts())
	}
	c.mu.Lock()
	if c.filter != nil && !c.filter[msg.Type] {
		c.mu.Unlock()
		return nil
	}
	c.counts[msg.Type]++
	c.total++
	total, every := c.total, c.logEvery
	c.mu.Unlock()
	if every > 0 && total%uint64(every) == 0 {
		c.log.Info("Sink summary", zap.Uint64("total", total))
	}
	return nil
}

// Count returns how many messages of type t were received.
func (c *Component) Count(t bus.MessageType) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

// Total returns how many messages were counted.
func (c *Component) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Counts returns the per-type counters keyed by type name.
func (c *Component) Counts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for t, n := range c.counts {
		out[t.String()] = n
	}
	return out
}
