package kernel

import (
	"kestrel/core/bus"
	"kestrel/core/component"

	"go.uber.org/zap"
)

// handle is what a component receives in Initialize.
type handle struct {
	host *Host
	name string
	ep   *bus.Endpoint
}

var _ component.Handle = (*handle)(nil)

func (h *Host) handleFor(c component.Component) component.Handle {
	name := c.Descriptor().Name
	ep, _ := h.bus.Endpoint(name)
	return &handle{host: h, name: name, ep: ep}
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) Endpoint() *bus.Endpoint {
	return h.ep
}

func (h *handle) Scheduler() component.Scheduler {
	return h.host.sched
}

func (h *handle) Logger() *zap.Logger {
	return h.host.log.With(zap.String("component", h.name))
}

func (h *handle) Config() map[string]interface{} {
	return h.host.cfg.Component(h.name)
}
