// Package kernel provides the host: it owns the message bus, the lifecycle
// orchestrator and the process scheduler, wires them together, and drives
// the host through booting, running, paused and shutdown.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kestrel/core/auth"
	"kestrel/core/bus"
	"kestrel/core/component"
	"kestrel/core/config"
	kerrors "kestrel/core/errors"
	"kestrel/core/lifecycle"
	"kestrel/core/logger"
	"kestrel/core/metrics"
	"kestrel/core/scheduler"
	"kestrel/core/snapshot"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Names of the host's own bus endpoints. Components cannot use them.
const (
	OrchestratorEndpoint = "orchestrator"
	SchedulerEndpoint    = "scheduler"
	HostEndpoint         = "host"
)

// State is the host's overall state.
type State string

const (
	StateBooting      State = "booting"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateShuttingDown State = "shutting-down"
	StateStopped      State = "stopped"
)

var allStates = []State{StateBooting, StateInitializing, StateRunning, StatePaused, StateShuttingDown, StateStopped}

var transitions = map[State][]State{
	StateBooting:      {StateInitializing, StateShuttingDown},
	StateInitializing: {StateRunning, StateShuttingDown},
	StateRunning:      {StatePaused, StateShuttingDown},
	StatePaused:       {StateRunning, StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options configures a Host.
type Options struct {
	Config           *config.Config
	Logger           *zap.Logger
	Store            snapshot.Store // nil disables persistence
	AccessController auth.AccessController
	// Handlers resolves scheduled process types. A fresh registry is used when nil.
	Handlers scheduler.HandlerRegistry
}

// Status summarizes the host.
type Status struct {
	State      State            `json:"state"`
	Uptime     time.Duration    `json:"uptime"`
	Components int              `json:"components"`
	Active     int              `json:"active_components"`
	Scheduler  scheduler.Status `json:"scheduler"`
	Bus        bus.Stats        `json:"bus"`
}

// DevOptions configures the development/testing cycle for RunDev.
type DevOptions struct {
	// Ticks defines how many scheduler ticks to run. If <= 0, run until ctx is canceled.
	Ticks int
	// OnTick is invoked once per tick with a 1-based index.
	OnTick func(i int)
	// Delay is an optional sleep between ticks.
	Delay time.Duration
}

// Host is the process-wide context object. It is constructed once and
// passed explicitly to whatever needs it.
type Host struct {
	cfg   *config.Config
	log   *zap.Logger
	ac    auth.AccessController
	roles *auth.RoleSet // nil unless RBAC comes from config
	store snapshot.Store

	bus   *bus.Bus
	orch  *lifecycle.Orchestrator
	sched *scheduler.Scheduler
	ep    *bus.Endpoint

	mu        sync.RWMutex
	state     State
	bootedAt  time.Time
	cancelRun context.CancelFunc
	persister *persister
	hooks     []func(from, to State)
}

// New builds the bus, orchestrator and scheduler from the configuration.
func New(opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.OrNop(opts.Logger)
	ac := opts.AccessController
	var roles *auth.RoleSet
	if ac == nil {
		if len(cfg.Auth.Roles) > 0 {
			roles = auth.NewRoleSet(cfg.Auth.Roles)
			ac = auth.NewDefaultAccessController(roles)
		} else {
			ac = auth.NewDefaultAccessController(nil)
		}
	}

	backoff, err := scheduler.NewBackoff(cfg.Scheduler.Backoff.Policy, cfg.Scheduler.Backoff.Base, cfg.Scheduler.Backoff.Max, cfg.Scheduler.Backoff.Multiplier)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:   cfg,
		log:   log.Named("host"),
		ac:    ac,
		roles: roles,
		store: opts.Store,
		state: StateBooting,
	}
	h.bus = bus.New(bus.Options{Logger: log, RequestTimeout: cfg.Bus.RequestTimeout})

	orchEP, err := h.bus.RegisterComponent(OrchestratorEndpoint, bus.CapabilitySet{CanSend: []bus.MessageType{bus.TypeLifecycle}})
	if err != nil {
		return nil, err
	}
	schedEP, err := h.bus.RegisterComponent(SchedulerEndpoint, bus.CapabilitySet{CanSend: []bus.MessageType{bus.TypeEvent, bus.TypeHeartbeat}})
	if err != nil {
		return nil, err
	}
	h.ep, err = h.bus.RegisterComponent(HostEndpoint, bus.CapabilitySet{
		CanSend:    []bus.MessageType{bus.TypeCommand, bus.TypeNotification, bus.TypeStateSync, bus.TypeRequest},
		CanReceive: []bus.MessageType{bus.TypeNotification},
	})
	if err != nil {
		return nil, err
	}

	h.sched = scheduler.New(scheduler.Options{
		Logger:            log,
		Registry:          opts.Handlers,
		Endpoint:          schedEP,
		TickRate:          cfg.Scheduler.TickRate,
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		HistorySize:       cfg.Scheduler.HistorySize,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		Backoff:           backoff,
	})
	h.orch = lifecycle.New(lifecycle.Options{
		Logger:           log,
		Endpoint:         orchEP,
		Handles:          h.handleFor,
		OperationTimeout: cfg.Lifecycle.OperationTimeout,
	})
	if h.store != nil {
		h.persister = newPersister(h, cfg.Persistence.Interval)
	}

	cfg.AddConfigChangeHook(h.onConfigChange)
	metrics.HostState.WithLabelValues(string(StateBooting)).Set(1)
	return h, nil
}

// Bus returns the host's message bus.
func (h *Host) Bus() *bus.Bus { return h.bus }

// Orchestrator returns the lifecycle orchestrator.
func (h *Host) Orchestrator() *lifecycle.Orchestrator { return h.orch }

// Scheduler returns the process scheduler.
func (h *Host) Scheduler() *scheduler.Scheduler { return h.sched }

// Config returns the configuration the host was built with.
func (h *Host) Config() *config.Config { return h.cfg }

// State returns the current host state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// OnStateChange registers fn to run after every host state transition.
func (h *Host) OnStateChange(fn func(from, to State)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

func (h *Host) transition(to State) error {
	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		return kerrors.State(kerrors.ErrIllegalTransition, "host cannot go from %s to %s", from, to)
	}
	h.state = to
	hooks := append([]func(from, to State){}, h.hooks...)
	h.mu.Unlock()

	for _, s := range allStates {
		v := 0.0
		if s == to {
			v = 1
		}
		metrics.HostState.WithLabelValues(string(s)).Set(v)
	}
	h.log.Info("Host state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if _, err := h.ep.Broadcast(context.Background(), bus.TypeStateSync, map[string]string{"from": string(from), "to": string(to)}); err != nil {
		h.log.Debug("State sync not sent", zap.Error(err))
	}
	for _, fn := range hooks {
		fn(from, to)
	}
	return nil
}

// Authorize checks that the principal in ctx, if any, may perform action.
// component is empty for host-wide actions. Calls without a principal come
// from inside the process and are allowed.
func (h *Host) Authorize(ctx context.Context, action, component string) error {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return nil
	}
	var allowed bool
	if component == "" {
		allowed = h.ac.CanControlHost(ctx, p, action)
	} else {
		allowed = h.ac.CanManageComponent(ctx, p, action, component)
	}
	if !allowed {
		h.log.Warn("Access denied",
			zap.String("principal", p.ID()),
			zap.String("action", action),
			zap.String("component", component),
		)
		if component == "" {
			return kerrors.Permission("principal %s may not %s the host", p.ID(), action)
		}
		return kerrors.Permission("principal %s may not %s component %s", p.ID(), action, component)
	}
	return nil
}

// Register adds a component to the orchestrator and gives it a bus endpoint
// with the capabilities from its descriptor.
func (h *Host) Register(ctx context.Context, c component.Component) error {
	if c == nil {
		return kerrors.Validation(kerrors.ErrInvalidInput, "component is nil")
	}
	desc := c.Descriptor()
	if _, err := h.bus.RegisterComponent(desc.Name, desc.Capabilities); err != nil {
		return err
	}
	if err := h.orch.Register(ctx, c); err != nil {
		if _, registered := h.orch.Get(desc.Name); !registered {
			_ = h.bus.UnregisterComponent(desc.Name)
		}
		return err
	}
	return nil
}

// Unregister removes a component from the orchestrator and the bus.
func (h *Host) Unregister(ctx context.Context, name string) error {
	if err := h.orch.Unregister(ctx, name); err != nil {
		if _, stillThere := h.orch.Get(name); stillThere {
			return err
		}
		_ = h.bus.UnregisterComponent(name)
		return err
	}
	return h.bus.UnregisterComponent(name)
}

// Boot starts the bus, restores persisted state, initializes and starts
// every enabled component, then starts the scheduler.
func (h *Host) Boot(ctx context.Context) error {
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Host.Boot")
	defer span.End()

	if err := h.Authorize(ctx, auth.ActionBoot, ""); err != nil {
		return err
	}
	if err := h.transition(StateInitializing); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancelRun = cancel
	h.mu.Unlock()

	if err := h.bus.Start(runCtx); err != nil {
		return h.abortBoot(ctx, span, err)
	}
	if h.store != nil && h.cfg.Persistence.RestoreOnBoot {
		if err := h.RestoreSnapshot(ctx); err != nil {
			h.log.Warn("Snapshot restore failed, continuing with registered defaults", zap.Error(err))
		}
	}

	report, err := h.orch.InitializeAll(ctx)
	if err != nil {
		return h.abortBoot(ctx, span, err)
	}
	if rerr := report.Err(); rerr != nil {
		h.log.Warn("Some components did not initialize", zap.Error(rerr))
	}
	if err := h.orch.StartAll(ctx); err != nil {
		h.log.Warn("Some components did not start", zap.Error(err))
	}
	if err := h.sched.Start(runCtx); err != nil {
		return h.abortBoot(ctx, span, err)
	}
	if h.persister != nil {
		h.persister.start(runCtx)
	}

	h.mu.Lock()
	h.bootedAt = time.Now()
	h.mu.Unlock()
	if err := h.transition(StateRunning); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("components.initialized", len(report.Initialized)))
	h.log.Info("Host running",
		zap.Strings("initialized", report.Initialized),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return nil
}

func (h *Host) abortBoot(ctx context.Context, span trace.Span, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	h.log.Error("Boot failed", zap.Error(cause))
	if err := h.Shutdown(ctx); err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}

// Pause suspends the scheduler and pauses running components.
func (h *Host) Pause(ctx context.Context) error {
	if err := h.Authorize(ctx, auth.ActionPause, ""); err != nil {
		return err
	}
	if err := h.transition(StatePaused); err != nil {
		return err
	}
	h.sched.Pause()
	return h.orch.PauseAll(ctx)
}

// Resume undoes Pause.
func (h *Host) Resume(ctx context.Context) error {
	if err := h.Authorize(ctx, auth.ActionResume, ""); err != nil {
		return err
	}
	if err := h.transition(StateRunning); err != nil {
		return err
	}
	err := h.orch.ResumeAll(ctx)
	h.sched.Resume()
	return err
}

// Shutdown stops the scheduler, persists state, shuts components down in
// reverse initialization order and closes the bus. Failures are collected;
// every step runs.
func (h *Host) Shutdown(ctx context.Context) error {
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Host.Shutdown")
	defer span.End()

	if err := h.Authorize(ctx, auth.ActionShutdown, ""); err != nil {
		return err
	}
	if err := h.transition(StateShuttingDown); err != nil {
		return err
	}

	var errs error
	errs = multierr.Append(errs, h.sched.Stop(ctx))
	if h.persister != nil {
		h.persister.stop()
		errs = multierr.Append(errs, h.SaveSnapshot(ctx))
	}
	errs = multierr.Append(errs, h.orch.ShutdownAll(ctx))
	h.bus.Close()

	h.mu.Lock()
	if h.cancelRun != nil {
		h.cancelRun()
	}
	h.mu.Unlock()

	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
		h.log.Error("Shutdown completed with errors", zap.Error(errs))
	}
	if err := h.transition(StateStopped); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Status returns the host summary.
func (h *Host) Status() Status {
	h.mu.RLock()
	st := Status{State: h.state}
	if !h.bootedAt.IsZero() && h.state != StateStopped {
		st.Uptime = time.Since(h.bootedAt)
	}
	h.mu.RUnlock()

	infos := h.orch.List()
	st.Components = len(infos)
	for _, info := range infos {
		if info.State.Active() {
			st.Active++
		}
	}
	st.Scheduler = h.sched.GetStatus()
	st.Bus = h.bus.Stats()
	return st
}

// Components lists registered components in registration order.
func (h *Host) Components() []lifecycle.Info {
	return h.orch.List()
}

// Processes lists live processes followed by recent finished ones.
func (h *Host) Processes() []scheduler.ProcessInfo {
	return append(h.sched.Pending(), h.sched.History()...)
}

// EnableComponent enables a component, initializing it when the host is up.
func (h *Host) EnableComponent(ctx context.Context, name string) error {
	if err := h.Authorize(ctx, auth.ActionEnable, name); err != nil {
		return err
	}
	return h.orch.Enable(ctx, name)
}

// DisableComponent disables a component, shutting it down if active.
func (h *Host) DisableComponent(ctx context.Context, name string) error {
	if err := h.Authorize(ctx, auth.ActionDisable, name); err != nil {
		return err
	}
	return h.orch.Disable(ctx, name)
}

// Health returns the health reported by components that implement
// component.HealthReporter.
func (h *Host) Health(ctx context.Context) map[string]component.HealthStatus {
	out := make(map[string]component.HealthStatus)
	for _, info := range h.orch.List() {
		c, ok := h.orch.Component(info.Descriptor.Name)
		if !ok {
			continue
		}
		if hr, ok := c.(component.HealthReporter); ok {
			out[info.Descriptor.Name] = hr.Health(ctx)
			continue
		}
		status := component.HealthStatus{Status: "healthy"}
		if info.State == component.StateError {
			status = component.HealthStatus{Status: "unhealthy", Error: info.Error}
		} else if !info.State.Active() {
			status = component.HealthStatus{Status: "degraded", Message: string(info.State)}
		}
		out[info.Descriptor.Name] = status
	}
	return out
}

// RunDev boots the host if needed, drives the scheduler and bus manually
// for a number of ticks, then shuts down if it booted here.
func (h *Host) RunDev(ctx context.Context, opts DevOptions) error {
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Host.RunDev")
	defer span.End()

	startedHere := false
	if h.State() == StateBooting {
		h.log.Info("RunDev: host not running, booting now.")
		if err := h.Boot(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		startedHere = true
	}
	stop := func() {
		if startedHere {
			_ = h.Shutdown(context.Background())
		}
	}

	for i := 1; opts.Ticks <= 0 || i <= opts.Ticks; i++ {
		tickCtx, tickSpan := tracer.Start(ctx, fmt.Sprintf("RunDev.Tick: %d", i), trace.WithAttributes(attribute.Int("tick.number", i)))
		launched := h.sched.Tick(time.Now())
		h.bus.Drain()
		logger.For(tickCtx, h.log).Debug("RunDev: Tick", zap.Int("tick", i), zap.Int("launched", launched))
		if opts.OnTick != nil {
			opts.OnTick(i)
		}
		tickSpan.End()

		if opts.Ticks > 0 && i == opts.Ticks {
			break
		}
		select {
		case <-ctx.Done():
			h.log.Info("RunDev: Context cancelled, stopping.")
			stop()
			span.SetStatus(codes.Error, ctx.Err().Error())
			return ctx.Err()
		case <-time.After(opts.Delay):
		}
	}
	stop()
	return nil
}

func (h *Host) onConfigChange(next *config.Config) {
	if h.roles != nil {
		h.roles.Replace(next.Auth.Roles)
		h.log.Info("Access roles reloaded", zap.Strings("roles", h.roles.Names()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), next.Lifecycle.OperationTimeout)
	defer cancel()
	for _, info := range h.orch.List() {
		name := info.Descriptor.Name
		c, ok := h.orch.Component(name)
		if !ok {
			continue
		}
		rc, ok := c.(component.Reconfigurable)
		if !ok {
			continue
		}
		if err := rc.OnConfigChanged(ctx, next.Component(name)); err != nil {
			h.log.Error("Component failed to handle config change", zap.String("component", name), zap.Error(err))
		}
	}
}
