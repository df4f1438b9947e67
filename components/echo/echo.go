// Package echo is a small component that answers requests with their payload
// and turns commands into delayed events through the process scheduler.
package echo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kestrel/core/bus"
	"kestrel/core/component"
	kerrors "kestrel/core/errors"
	"kestrel/core/scheduler"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Name is the component name.
const Name = "echo"

// Config is the echo section of the configuration.
type Config struct {
	Prefix    string        `mapstructure:"prefix"`
	Uppercase bool          `mapstructure:"uppercase"`
	Delay     time.Duration `mapstructure:"delay"`
	Retries   int           `mapstructure:"retries"`
}

// Reply is the payload of echo responses and events.
type Reply struct {
	Text string `json:"text"`
	Seq  uint64 `json:"seq"`
}

// Component implements component.Component.
type Component struct {
	mu          sync.Mutex
	config      Config
	log         *zap.Logger
	ep          *bus.Endpoint
	sched       component.Scheduler
	unsubscribe func()
	running     bool
	seq         uint64
}

var (
	_ component.Component      = (*Component)(nil)
	_ component.Starter        = (*Component)(nil)
	_ component.Reconfigurable = (*Component)(nil)
	_ component.HealthReporter = (*Component)(nil)
)

// New returns an unconfigured echo component.
func New() *Component {
	return &Component{log: zap.NewNop()}
}

func (c *Component) Descriptor() component.Descriptor {
	return component.Descriptor{
		Name:    Name,
		Version: "1.0.0",
		Type:    "builtin",
		Tags:    []string{"builtin"},
		Capabilities: bus.CapabilitySet{
			CanSend:    []bus.MessageType{bus.TypeEvent},
			CanReceive: []bus.MessageType{bus.TypeRequest, bus.TypeCommand},
		},
	}
}

// DecodeConfig decodes a raw configuration section.
func DecodeConfig(raw map[string]interface{}) (Config, error) {
	var cfg Config
	if raw == nil {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, kerrors.Validation(kerrors.ErrInvalidInput, "decode echo config: %v", err).WithComponent(Name)
	}
	if cfg.Delay < 0 || cfg.Retries < 0 {
		return cfg, kerrors.Validation(kerrors.ErrInvalidInput, "delay and retries must not be negative").WithComponent(Name)
	}
	return cfg, nil
}

func (c *Component) Initialize(ctx context.Context, h component.Handle) error {
	cfg, err := DecodeConfig(h.Config())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.log = h.Logger()
	c.ep = h.Endpoint()
	c.sched = h.Scheduler()
	unsubscribe, err := c.ep.Subscribe(c.handle)
	if err != nil {
		return err
	}
	c.unsubscribe = unsubscribe
	c.log.Debug("Echo configured", zap.String("prefix", cfg.Prefix), zap.Duration("delay", cfg.Delay))
	return nil
}

func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *Component) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.running = false
	return nil
}

func (c *Component) OnConfigChanged(ctx context.Context, section map[string]interface{}) error {
	cfg, err := DecodeConfig(section)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.log.Info("Echo reconfigured", zap.String("prefix", cfg.Prefix))
	return nil
}

func (c *Component) Health(ctx context.Context) component.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return component.HealthStatus{Status: "degraded", Message: "not started"}
	}
	return component.HealthStatus{Status: "healthy", Message: fmt.Sprintf("%d replies", c.seq)}
}

func (c *Component) render(payload interface{}) Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.config.Prefix + fmt.Sprint(payload)
	if c.config.Uppercase {
		text = strings.ToUpper(text)
	}
	c.seq++
	return Reply{Text: text, Seq: c.seq}
}

func (c *Component) handle(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeRequest:
		if msg.Payload == nil {
			return c.ep.Respond(msg, false, "empty payload")
		}
		return c.ep.Respond(msg, true, c.render(msg.Payload))
	case bus.TypeCommand:
		return c.schedule(ctx, msg.Payload)
	}
	return nil
}

// schedule emits payload as an event after the configured delay.
func (c *Component) schedule(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	delay, retries := c.config.Delay, c.config.Retries
	c.mu.Unlock()
	_, err := c.sched.Schedule(ctx, scheduler.Spec{
		Name:    "echo.emit",
		Payload: payload,
		Delay:   delay,
		Retries: retries,
		Handler: scheduler.HandlerFunc(func(ctx context.Context, run scheduler.Run) (interface{}, error) {
			reply := c.render(run.Payload)
			if _, err := c.ep.Broadcast(ctx, bus.TypeEvent, reply); err != nil {
				return nil, err
			}
			return reply, nil
		}),
	})
	return err
}
