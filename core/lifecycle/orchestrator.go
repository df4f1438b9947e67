// Package lifecycle orders components by their declared dependencies and
// drives them through initialization, start, pause and shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kestrel/core/bus"
	"kestrel/core/component"
	kerrors "kestrel/core/errors"
	"kestrel/core/logger"
	"kestrel/core/metrics"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultOperationTimeout = 30 * time.Second

var validate = validator.New()

// HandleFactory builds the handle passed to a component's Initialize.
type HandleFactory func(c component.Component) component.Handle

// Options configures an Orchestrator.
type Options struct {
	Logger *zap.Logger
	// Endpoint, when set, broadcasts a Lifecycle message on every state change.
	Endpoint *bus.Endpoint
	Handles  HandleFactory
	// OperationTimeout bounds each Initialize, Start, Pause, Resume and Shutdown call.
	OperationTimeout time.Duration
}

// Info is a point-in-time view of a registered component.
type Info struct {
	Descriptor component.Descriptor `json:"descriptor"`
	State      component.State      `json:"state"`
	Enabled    bool                 `json:"enabled"`
	Dependents []string             `json:"dependents,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// LifecycleEvent is the payload of Lifecycle messages.
type LifecycleEvent struct {
	Component string          `json:"component"`
	From      component.State `json:"from"`
	To        component.State `json:"to"`
	Error     string          `json:"error,omitempty"`
}

// InitReport lists what InitializeAll did with each enabled component.
type InitReport struct {
	Order       []string         `json:"order"`
	Initialized []string         `json:"initialized"`
	Skipped     map[string]error `json:"-"`
	Failed      map[string]error `json:"-"`
}

// Err combines the skip and failure errors, or returns nil.
func (r *InitReport) Err() error {
	if r == nil {
		return nil
	}
	var err error
	for _, name := range r.Order {
		if e, ok := r.Failed[name]; ok {
			err = multierr.Append(err, e)
		}
		if e, ok := r.Skipped[name]; ok {
			err = multierr.Append(err, e)
		}
	}
	return err
}

type record struct {
	comp       component.Component
	desc       component.Descriptor
	version    *semver.Version
	seq        uint64
	enabled    bool
	state      component.State
	err        error
	dependents []string
}

// Orchestrator owns the component registry and its lifecycle.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	opMu sync.Mutex // serializes lifecycle operations
	mu   sync.RWMutex

	records   map[string]*record
	seq       uint64
	initOrder []string // initialization order of active components
	active    bool
	started   bool
	halted    bool
}

// New returns an empty orchestrator.
func New(opts Options) *Orchestrator {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	return &Orchestrator{
		opts:    opts,
		log:     logger.OrNop(opts.Logger).Named("lifecycle"),
		records: make(map[string]*record),
	}
}

func validateDescriptor(d component.Descriptor) (*semver.Version, error) {
	if err := validate.Struct(d); err != nil {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "invalid descriptor for %q", d.Name).WithCause(err)
	}
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "component %q has invalid version %q", d.Name, d.Version).WithCause(err)
	}
	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		switch {
		case strings.TrimSpace(dep.Name) == "":
			return nil, kerrors.Validation(kerrors.ErrInvalidDependencies, "component %q declares an empty dependency name", d.Name)
		case dep.Name == d.Name:
			return nil, kerrors.Validation(kerrors.ErrInvalidDependencies, "component %q depends on itself", d.Name)
		case seen[dep.Name]:
			return nil, kerrors.Validation(kerrors.ErrInvalidDependencies, "component %q declares dependency %q twice", d.Name, dep.Name)
		}
		seen[dep.Name] = true
		if dep.Constraint != "" {
			if _, err := semver.NewConstraint(dep.Constraint); err != nil {
				return nil, kerrors.Validation(kerrors.ErrInvalidDependencies, "component %q has invalid constraint %q for %q", d.Name, dep.Constraint, dep.Name).WithCause(err)
			}
		}
	}
	return v, nil
}

// Register adds a component in the registered state, enabled. When the
// orchestrator is active the component is initialized immediately and any
// initialization error is returned; the component stays registered.
func (o *Orchestrator) Register(ctx context.Context, c component.Component) error {
	if c == nil {
		return kerrors.Validation(kerrors.ErrInvalidInput, "component is nil")
	}
	desc := c.Descriptor()
	version, err := validateDescriptor(desc)
	if err != nil {
		return err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if _, exists := o.records[desc.Name]; exists {
		o.mu.Unlock()
		return kerrors.Validation(kerrors.ErrAlreadyRegistered, "component %q already registered", desc.Name)
	}
	o.seq++
	o.records[desc.Name] = &record{
		comp:    c,
		desc:    desc,
		version: version,
		seq:     o.seq,
		enabled: true,
		state:   component.StateRegistered,
	}
	o.rebuildLocked()
	active := o.active
	o.mu.Unlock()

	o.log.Info("Component registered",
		zap.String("component", desc.Name),
		zap.String("version", desc.Version),
		zap.Strings("dependencies", desc.DependencyNames()),
	)
	if active {
		return o.bringUp(ctx, desc.Name)
	}
	return nil
}

// Unregister removes a component. It fails while any registered component
// depends on it. An active component is shut down first.
func (o *Orchestrator) Unregister(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.RLock()
	r, ok := o.records[name]
	if !ok {
		o.mu.RUnlock()
		return kerrors.Validation(kerrors.ErrNotFound, "component %q not registered", name)
	}
	dependents := append([]string(nil), r.dependents...)
	initialized := o.initializedLocked(name)
	o.mu.RUnlock()

	if len(dependents) > 0 {
		return kerrors.Dependency(kerrors.ErrHasDependents, "components %s depend on it", strings.Join(dependents, ", ")).WithComponent(name)
	}
	var err error
	if initialized {
		err = o.shutdown(ctx, r)
	}

	o.mu.Lock()
	delete(o.records, name)
	o.removeFromOrderLocked(name)
	o.rebuildLocked()
	o.mu.Unlock()
	o.log.Info("Component unregistered", zap.String("component", name))
	return err
}

// Enable marks a component enabled. When the orchestrator is active the
// component is initialized immediately if its dependencies are available.
func (o *Orchestrator) Enable(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	r, ok := o.records[name]
	if !ok {
		o.mu.Unlock()
		return kerrors.Validation(kerrors.ErrNotFound, "component %q not registered", name)
	}
	if r.enabled {
		o.mu.Unlock()
		return nil
	}
	r.enabled = true
	active := o.active
	o.mu.Unlock()

	metrics.ComponentTransitions.WithLabelValues(name, "enable", metrics.StatusSuccess).Inc()
	o.log.Info("Component enabled", zap.String("component", name))
	if active {
		return o.bringUp(ctx, name)
	}
	return nil
}

// Disable marks a component disabled, shutting it down if active. It fails
// while an enabled component depends on it.
func (o *Orchestrator) Disable(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	r, ok := o.records[name]
	if !ok {
		o.mu.Unlock()
		return kerrors.Validation(kerrors.ErrNotFound, "component %q not registered", name)
	}
	if !r.enabled {
		o.mu.Unlock()
		return nil
	}
	var blocking []string
	for _, d := range r.dependents {
		if o.records[d].enabled {
			blocking = append(blocking, d)
		}
	}
	if len(blocking) > 0 {
		o.mu.Unlock()
		metrics.ComponentTransitions.WithLabelValues(name, "disable", metrics.StatusFailed).Inc()
		return kerrors.Dependency(kerrors.ErrHasEnabledDependents, "enabled components %s depend on it", strings.Join(blocking, ", ")).WithComponent(name)
	}
	r.enabled = false
	initialized := o.initializedLocked(name)
	o.mu.Unlock()

	metrics.ComponentTransitions.WithLabelValues(name, "disable", metrics.StatusSuccess).Inc()
	o.log.Info("Component disabled", zap.String("component", name))
	if initialized {
		return o.shutdown(ctx, r)
	}
	return nil
}

// InitializeAll initializes every enabled component in dependency order.
// A cycle, a missing dependency or a version conflict aborts before any
// component is touched. A component whose dependency is disabled or failed
// is skipped and reported; its own dependents are skipped in turn.
func (o *Orchestrator) InitializeAll(ctx context.Context) (*InitReport, error) {
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Orchestrator.InitializeAll")
	defer span.End()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	order, err := o.plan()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Error("Initialization aborted", zap.Error(err))
		return nil, err
	}

	report := &InitReport{Order: order, Skipped: map[string]error{}, Failed: map[string]error{}}
	for _, name := range order {
		o.mu.RLock()
		r := o.records[name]
		initialized := o.initializedLocked(name)
		blocker := o.unavailableDepLocked(r)
		o.mu.RUnlock()

		if initialized {
			continue
		}
		if blocker != "" {
			skipErr := kerrors.Dependency(kerrors.ErrDisabledDependency, "dependency %q is disabled or failed", blocker).WithComponent(name)
			report.Skipped[name] = skipErr
			metrics.ComponentTransitions.WithLabelValues(name, "initialize", metrics.StatusSkipped).Inc()
			o.log.Warn("Skipping component", zap.String("component", name), zap.String("dependency", blocker))
			continue
		}
		if err := o.initialize(ctx, r); err != nil {
			report.Failed[name] = err
			continue
		}
		report.Initialized = append(report.Initialized, name)
	}

	o.mu.Lock()
	o.active = true
	o.mu.Unlock()

	span.SetAttributes(
		attribute.Int("components.initialized", len(report.Initialized)),
		attribute.Int("components.skipped", len(report.Skipped)),
		attribute.Int("components.failed", len(report.Failed)),
	)
	o.log.Info("Components initialized",
		zap.Strings("order", order),
		zap.Int("initialized", len(report.Initialized)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// plan validates the graph and returns the initialization order of enabled
// components.
func (o *Orchestrator) plan() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.halted {
		return nil, kerrors.State(kerrors.ErrHalted, "orchestrator halted; call Reset")
	}
	if err := o.verifyLocked(); err != nil {
		o.halted = true
		return nil, err
	}
	all, cycles := o.orderLocked()
	if len(cycles) > 0 {
		return nil, cycleError(cycles)
	}
	order := make([]string, 0, len(all))
	for _, name := range all {
		r := o.records[name]
		if !r.enabled {
			continue
		}
		if err := o.checkDepsLocked(r); err != nil {
			return nil, err
		}
		order = append(order, name)
	}
	return order, nil
}

// checkDepsLocked reports unregistered dependencies and version conflicts.
func (o *Orchestrator) checkDepsLocked(r *record) error {
	for _, dep := range r.desc.Dependencies {
		d, ok := o.records[dep.Name]
		if !ok {
			return kerrors.Dependency(kerrors.ErrMissingDependency, "dependency %q is not registered", dep.Name).WithComponent(r.desc.Name)
		}
		if dep.Constraint == "" {
			continue
		}
		c, err := semver.NewConstraint(dep.Constraint)
		if err != nil {
			return kerrors.Validation(kerrors.ErrInvalidDependencies, "invalid constraint %q for %q", dep.Constraint, dep.Name).WithComponent(r.desc.Name)
		}
		if !c.Check(d.version) {
			return kerrors.Dependency(kerrors.ErrVersionConflict, "requires %s %s, found %s", dep.Name, dep.Constraint, d.desc.Version).WithComponent(r.desc.Name)
		}
	}
	return nil
}

// unavailableDepLocked returns the first dependency that is not enabled and
// active, or "".
func (o *Orchestrator) unavailableDepLocked(r *record) string {
	for _, dep := range r.desc.DependencyNames() {
		d, ok := o.records[dep]
		if !ok || !d.enabled || !d.state.Active() {
			return dep
		}
	}
	return ""
}

// bringUp initializes (and starts, if the orchestrator is started) one
// component after Register or Enable on an active orchestrator.
func (o *Orchestrator) bringUp(ctx context.Context, name string) error {
	o.mu.RLock()
	r := o.records[name]
	halted := o.halted
	started := o.started
	var err error
	if halted {
		err = kerrors.State(kerrors.ErrHalted, "orchestrator halted")
	} else if _, cycles := o.orderLocked(); len(cycles) > 0 {
		err = cycleError(cycles)
	} else if err = o.checkDepsLocked(r); err == nil {
		if dep := o.unavailableDepLocked(r); dep != "" {
			err = kerrors.Dependency(kerrors.ErrDisabledDependency, "dependency %q is disabled or failed", dep).WithComponent(name)
		}
	}
	o.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := o.initialize(ctx, r); err != nil {
		return err
	}
	if started {
		return o.start(ctx, r)
	}
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context, r *record) error {
	name := r.desc.Name
	o.setState(ctx, r, component.StateInitializing, nil)
	var h component.Handle
	if o.opts.Handles != nil {
		h = o.opts.Handles(r.comp)
	}
	err := o.call(ctx, r, "initialize", func(ctx context.Context) error {
		return r.comp.Initialize(ctx, h)
	})
	if err != nil {
		wrapped := kerrors.Execution(err, "initialize failed").WithComponent(name)
		o.setState(ctx, r, component.StateError, wrapped)
		return wrapped
	}
	o.mu.Lock()
	o.initOrder = append(o.initOrder, name)
	o.mu.Unlock()
	o.setState(ctx, r, component.StateReady, nil)
	return nil
}

func (o *Orchestrator) start(ctx context.Context, r *record) error {
	o.mu.RLock()
	blocker := o.unavailableDepLocked(r)
	o.mu.RUnlock()
	if blocker != "" {
		err := kerrors.Dependency(kerrors.ErrDisabledDependency, "dependency %q is not running", blocker).WithComponent(r.desc.Name)
		o.setState(ctx, r, component.StateError, err)
		return err
	}
	if s, ok := r.comp.(component.Starter); ok {
		if err := o.call(ctx, r, "start", s.Start); err != nil {
			wrapped := kerrors.Execution(err, "start failed").WithComponent(r.desc.Name)
			o.setState(ctx, r, component.StateError, wrapped)
			return wrapped
		}
	}
	o.setState(ctx, r, component.StateRunning, nil)
	return nil
}

func (o *Orchestrator) shutdown(ctx context.Context, r *record) error {
	name := r.desc.Name
	err := o.call(ctx, r, "shutdown", r.comp.Shutdown)
	o.mu.Lock()
	o.removeFromOrderLocked(name)
	o.mu.Unlock()
	if err != nil {
		wrapped := kerrors.Execution(err, "shutdown failed").WithComponent(name)
		o.setState(ctx, r, component.StateShutdown, wrapped)
		return wrapped
	}
	o.setState(ctx, r, component.StateShutdown, nil)
	return nil
}

// initializedLocked reports whether name completed Initialize and has not
// been shut down since. Such a component is owed a Shutdown whatever its
// current state.
func (o *Orchestrator) initializedLocked(name string) bool {
	for _, n := range o.initOrder {
		if n == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) removeFromOrderLocked(name string) {
	for i, n := range o.initOrder {
		if n == name {
			o.initOrder = append(o.initOrder[:i], o.initOrder[i+1:]...)
			return
		}
	}
}

// ShutdownAll shuts down every initialized component, including ones that
// failed to start, in reverse initialization order. Failures are collected
// and do not stop the remaining shutdowns.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Orchestrator.ShutdownAll")
	defer span.End()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	order := make([]string, len(o.initOrder))
	for i, name := range o.initOrder {
		order[len(order)-1-i] = name
	}
	o.mu.Unlock()

	var errs error
	for _, name := range order {
		o.mu.RLock()
		r, ok := o.records[name]
		o.mu.RUnlock()
		if !ok {
			continue
		}
		errs = multierr.Append(errs, o.shutdown(ctx, r))
	}

	o.mu.Lock()
	o.active = false
	o.started = false
	o.mu.Unlock()

	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
		o.log.Error("Shutdown completed with errors", zap.Error(errs))
	} else {
		o.log.Info("All components shut down", zap.Strings("order", order))
	}
	return errs
}

// StartAll moves ready components to running in initialization order.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	return o.each(ctx, false, func(ctx context.Context, r *record) error {
		if r.state != component.StateReady {
			return nil
		}
		return o.start(ctx, r)
	}, func() { o.started = true })
}

// PauseAll pauses running components in reverse initialization order.
func (o *Orchestrator) PauseAll(ctx context.Context) error {
	return o.each(ctx, true, func(ctx context.Context, r *record) error {
		if r.state != component.StateRunning {
			return nil
		}
		if p, ok := r.comp.(component.Pauser); ok {
			if err := o.call(ctx, r, "pause", p.Pause); err != nil {
				return kerrors.Execution(err, "pause failed").WithComponent(r.desc.Name)
			}
		}
		o.setState(ctx, r, component.StatePaused, nil)
		return nil
	}, nil)
}

// ResumeAll resumes paused components in initialization order.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	return o.each(ctx, false, func(ctx context.Context, r *record) error {
		if r.state != component.StatePaused {
			return nil
		}
		if p, ok := r.comp.(component.Pauser); ok {
			if err := o.call(ctx, r, "resume", p.Resume); err != nil {
				return kerrors.Execution(err, "resume failed").WithComponent(r.desc.Name)
			}
		}
		o.setState(ctx, r, component.StateRunning, nil)
		return nil
	}, nil)
}

func (o *Orchestrator) each(ctx context.Context, reverse bool, fn func(context.Context, *record) error, after func()) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.RLock()
	order := append([]string(nil), o.initOrder...)
	o.mu.RUnlock()
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	var errs error
	for _, name := range order {
		o.mu.RLock()
		r, ok := o.records[name]
		o.mu.RUnlock()
		if ok {
			errs = multierr.Append(errs, fn(ctx, r))
		}
	}
	if after != nil {
		o.mu.Lock()
		after()
		o.mu.Unlock()
	}
	return errs
}

// Halt stops all further lifecycle operations until Reset.
func (o *Orchestrator) Halt(reason string) {
	o.mu.Lock()
	o.halted = true
	o.mu.Unlock()
	o.log.Error("Orchestrator halted", zap.String("reason", reason))
}

// Reset clears a halt. Failed components return to ready when they are
// still initialized, so StartAll retries them, and to registered otherwise.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.halted = false
	for name, r := range o.records {
		if r.state != component.StateError {
			continue
		}
		r.state = component.StateRegistered
		if o.initializedLocked(name) {
			r.state = component.StateReady
		}
		r.err = nil
	}
	o.rebuildLocked()
}

// Halted reports whether the orchestrator refuses lifecycle operations.
func (o *Orchestrator) Halted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.halted
}

// call runs one component operation with a timeout, a trace span and panic
// recovery.
func (o *Orchestrator) call(ctx context.Context, r *record, op string, fn func(context.Context) error) (err error) {
	name := r.desc.Name
	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Component."+op, trace.WithAttributes(
		attribute.String("component.name", name),
		attribute.String("component.version", r.desc.Version),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(logger.WithComponentName(ctx, name), o.opts.OperationTimeout)
	defer cancel()

	metrics.ComponentTransitions.WithLabelValues(name, op, metrics.StatusAttempt).Inc()
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error("Panic recovered in component",
				zap.String("component", name),
				zap.String("operation", op),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("panic in component %s during %s: %v", name, op, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ComponentTransitions.WithLabelValues(name, op, metrics.StatusFailed).Inc()
			o.log.Error("Component operation failed", zap.String("component", name), zap.String("operation", op), zap.Error(err))
			return
		}
		metrics.ComponentTransitions.WithLabelValues(name, op, metrics.StatusSuccess).Inc()
	}()
	return fn(ctx)
}

func (o *Orchestrator) setState(ctx context.Context, r *record, to component.State, cause error) {
	o.mu.Lock()
	from := r.state
	r.state = to
	r.err = cause
	o.mu.Unlock()

	ev := LifecycleEvent{Component: r.desc.Name, From: from, To: to}
	if cause != nil {
		ev.Error = cause.Error()
	}
	o.log.Debug("Component state changed",
		zap.String("component", ev.Component),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if o.opts.Endpoint == nil {
		return
	}
	if _, err := o.opts.Endpoint.Broadcast(ctx, bus.TypeLifecycle, ev, bus.WithPriority(bus.PriorityHigh)); err != nil {
		o.log.Debug("Lifecycle event not sent", zap.String("component", ev.Component), zap.Error(err))
	}
}

func (o *Orchestrator) infoLocked(r *record) Info {
	info := Info{
		Descriptor: r.desc,
		State:      r.state,
		Enabled:    r.enabled,
		Dependents: append([]string(nil), r.dependents...),
	}
	if sr, ok := r.comp.(component.StateReporter); ok && r.state.Active() {
		info.State = sr.State()
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	return info
}

// Get returns a single component.
func (o *Orchestrator) Get(name string) (Info, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[name]
	if !ok {
		return Info{}, false
	}
	return o.infoLocked(r), true
}

// Component returns the registered implementation.
func (o *Orchestrator) Component(name string) (component.Component, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[name]
	if !ok {
		return nil, false
	}
	return r.comp, true
}

// Query returns, in registration order, every component matching pred.
func (o *Orchestrator) Query(pred func(Info) bool) []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Info
	for _, name := range o.registeredLocked() {
		info := o.infoLocked(o.records[name])
		if pred == nil || pred(info) {
			out = append(out, info)
		}
	}
	return out
}

// List returns every component in registration order.
func (o *Orchestrator) List() []Info { return o.Query(nil) }

// GetByType returns components whose descriptor type equals t.
func (o *Orchestrator) GetByType(t string) []Info {
	return o.Query(func(i Info) bool { return i.Descriptor.Type == t })
}

// GetByTag returns components carrying tag.
func (o *Orchestrator) GetByTag(tag string) []Info {
	return o.Query(func(i Info) bool { return i.Descriptor.HasTag(tag) })
}

// HasDependents reports whether any registered component depends on name.
func (o *Orchestrator) HasDependents(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[name]
	return ok && len(r.dependents) > 0
}

// HasEnabledDependents reports whether any enabled component depends on name.
func (o *Orchestrator) HasEnabledDependents(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[name]
	if !ok {
		return false
	}
	for _, d := range r.dependents {
		if o.records[d].enabled {
			return true
		}
	}
	return false
}
