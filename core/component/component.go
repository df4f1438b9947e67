// Package component defines the contract every unit managed by the host
// implements, and the handle the host gives it during initialization.
package component

import (
	"context"
	"fmt"

	"kestrel/core/bus"
	"kestrel/core/scheduler"

	"go.uber.org/zap"
)

// State is the lifecycle state of a component.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateShutdown     State = "shutdown"
)

// Active reports whether a component in state s has been initialized and not yet shut down.
func (s State) Active() bool {
	switch s {
	case StateReady, StateRunning, StatePaused:
		return true
	default:
		return false
	}
}

// Dependency names another component and an optional semver constraint on its version.
type Dependency struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// Descriptor is the static identity of a component.
type Descriptor struct {
	Name         string            `json:"name" validate:"required,excludesall=*"`
	Version      string            `json:"version" validate:"required"`
	Type         string            `json:"type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Priority     int               `json:"priority"` // lower initializes first
	Dependencies []Dependency      `json:"dependencies,omitempty"`
	Capabilities bus.CapabilitySet `json:"capabilities"`
}

// DependencyNames returns the names of the declared dependencies.
func (d Descriptor) DependencyNames() []string {
	out := make([]string, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		out = append(out, dep.Name)
	}
	return out
}

// HasTag reports whether the descriptor carries tag.
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Component is a named, versioned unit with declared dependencies that
// participates in orchestrated initialization and shutdown.
type Component interface {
	// Descriptor returns the component's identity, dependencies and capabilities.
	Descriptor() Descriptor
	// Initialize prepares the component. All dependencies are ready when it is called.
	Initialize(ctx context.Context, h Handle) error
	// Shutdown releases the component's resources.
	Shutdown(ctx context.Context) error
}

// Starter is implemented by components with a distinct start phase.
type Starter interface {
	Start(ctx context.Context) error
}

// Pauser is implemented by components that can suspend work while the host is paused.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// StateReporter lets a component report its own view of its state.
type StateReporter interface {
	State() State
}

// Reconfigurable components receive their configuration section on hot reload.
type Reconfigurable interface {
	OnConfigChanged(ctx context.Context, section map[string]interface{}) error
}

// HealthStatus represents the health of a component.
type HealthStatus struct {
	Status  string `json:"status"`  // "healthy", "degraded", "unhealthy"
	Message string `json:"message"` // Optional message
	Error   string `json:"error,omitempty"`
}

// HealthReporter is an optional interface for components to report their health.
type HealthReporter interface {
	Health(ctx context.Context) HealthStatus
}

// Scheduler is the part of the process scheduler exposed to components.
type Scheduler interface {
	Schedule(ctx context.Context, spec scheduler.Spec) (string, error)
	Cancel(id string) error
}

// Handle is what the host gives a component during Initialize.
type Handle interface {
	// Name is the component's registered name.
	Name() string
	// Endpoint is the component's bus endpoint.
	Endpoint() *bus.Endpoint
	// Scheduler submits work to the host's process scheduler.
	Scheduler() Scheduler
	// Logger is a logger tagged with the component name.
	Logger() *zap.Logger
	// Config is the component's configuration section, possibly nil.
	Config() map[string]interface{}
}

// Func adapts plain functions into a Component. It is handy for tests and
// small built-in components.
type Func struct {
	Desc         Descriptor
	InitFunc     func(ctx context.Context, h Handle) error
	ShutdownFunc func(ctx context.Context) error
}

func (f *Func) Descriptor() Descriptor { return f.Desc }

func (f *Func) Initialize(ctx context.Context, h Handle) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(ctx, h)
}

func (f *Func) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

func (f *Func) String() string {
	return fmt.Sprintf("component(%s@%s)", f.Desc.Name, f.Desc.Version)
}
