// Package scheduler runs prioritized, time-bounded units of work on a fixed
// tick. Each tick launches due processes up to a concurrency ceiling; failed
// processes are retried after a backoff and terminal ones go to a bounded
// history.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kestrel/core/bus"
	kerrors "kestrel/core/errors"
	"kestrel/core/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTickRate      = 60
	DefaultMaxConcurrent = 8
	DefaultHistorySize   = 256
	DefaultTimeout       = 30 * time.Second
	DefaultBackoffStep   = time.Second
)

// Options configures a Scheduler. Zero values take the defaults above.
type Options struct {
	Logger   *zap.Logger
	Registry HandlerRegistry
	// Endpoint, when set, is used to broadcast process events and heartbeats.
	Endpoint          *bus.Endpoint
	TickRate          int
	MaxConcurrent     int
	HistorySize       int
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	Backoff           BackoffPolicy
	// Now overrides the clock used for due times.
	Now func() time.Time
}

// Status is a health summary of the scheduler.
type Status struct {
	Running        bool          `json:"running"`
	Paused         bool          `json:"paused"`
	QueueDepth     int           `json:"queue_depth"`
	Active         int           `json:"active"`
	MaxConcurrent  int           `json:"max_concurrent"`
	Completed      uint64        `json:"completed"`
	Failed         uint64        `json:"failed"`
	Cancelled      uint64        `json:"cancelled"`
	Retried        uint64        `json:"retried"`
	TickCount      uint64        `json:"tick_count"`
	TargetTickRate int           `json:"target_tick_rate"`
	TickRate       float64       `json:"tick_rate"` // observed ticks per second since Start
	Uptime         time.Duration `json:"uptime"`
	HistorySize    int           `json:"history_size"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	opts Options
	log  *zap.Logger

	tickMu sync.Mutex
	mu     sync.Mutex

	queue     processQueue
	procs     map[string]*process // queued and running
	history   *history
	active    int
	seq       uint64
	tickCount uint64

	completed, failed, cancelled, retried uint64

	baseCtx       context.Context
	paused        bool
	running       bool
	startedAt     time.Time
	lastHeartbeat time.Time
	stopCh        chan struct{}
	loopDone      chan struct{}
	inflight      sync.WaitGroup
}

// New creates a scheduler. It does not tick until Start is called; Tick may
// be driven manually instead.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = NewHandlerRegistry()
	}
	if opts.TickRate <= 0 {
		opts.TickRate = DefaultTickRate
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Backoff == nil {
		opts.Backoff = LinearBackoff{Step: DefaultBackoffStep}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		opts:    opts,
		log:     opts.Logger.Named("scheduler"),
		procs:   make(map[string]*process),
		history: newHistory(opts.HistorySize),
		baseCtx: context.Background(),
	}
}

// Registry returns the handler registry processes are resolved against.
func (s *Scheduler) Registry() HandlerRegistry { return s.opts.Registry }

// Schedule queues a process and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, spec Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if spec.Retries < 0 {
		return "", kerrors.Validation(kerrors.ErrInvalidInput, "retries must not be negative")
	}
	if spec.Timeout < 0 || spec.Delay < 0 {
		return "", kerrors.Validation(kerrors.ErrInvalidInput, "timeout and delay must not be negative")
	}
	if spec.Priority == 0 {
		spec.Priority = PriorityNormal
	}
	if !spec.Priority.Valid() {
		return "", kerrors.Validation(kerrors.ErrInvalidInput, "invalid priority %d", spec.Priority)
	}
	handler := spec.Handler
	if handler == nil {
		if spec.Type == "" {
			return "", kerrors.Validation(kerrors.ErrInvalidInput, "process type or handler is required")
		}
		handler = s.opts.Registry.GetHandler(spec.Type)
		if handler == nil {
			return "", kerrors.Validation(kerrors.ErrNotFound, "no handler registered for process type %q", spec.Type)
		}
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}

	now := s.opts.Now()
	p := &process{
		id:               uuid.NewString(),
		spec:             spec,
		handler:          handler,
		retriesRemaining: spec.Retries,
		timeout:          timeout,
		submittedAt:      now,
		scheduledFor:     now.Add(spec.Delay),
	}
	p.transition(StatusQueued)

	s.mu.Lock()
	s.enqueueLocked(p)
	s.mu.Unlock()

	metrics.ProcessesTotal.WithLabelValues(p.spec.Type, string(StatusQueued)).Inc()
	s.log.Debug("Process scheduled",
		zap.String("id", p.id),
		zap.String("type", spec.Type),
		zap.Stringer("priority", spec.Priority),
		zap.Duration("timeout", timeout),
		zap.Int("retries", spec.Retries),
	)
	return p.id, nil
}

func (s *Scheduler) enqueueLocked(p *process) {
	s.seq++
	p.seq = s.seq
	s.procs[p.id] = p
	heap.Push(&s.queue, p)
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
}

// Cancel removes a queued process or abandons a running one. The process
// ends in StatusCancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		_, done := s.history.find(id)
		s.mu.Unlock()
		if done {
			return kerrors.State(kerrors.ErrIllegalTransition, "process %s already finished", id)
		}
		return kerrors.Validation(kerrors.ErrNotFound, "process %s not found", id)
	}
	if p.index >= 0 {
		heap.Remove(&s.queue, p.index)
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.err = kerrors.State(kerrors.ErrCancelled, "process %s cancelled", id)
	p.transition(StatusCancelled)
	s.retireLocked(p)
	ev := s.eventFor(p)
	s.mu.Unlock()

	s.log.Info("Process cancelled", zap.String("id", id), zap.String("type", p.spec.Type))
	s.emit(ev)
	return nil
}

// Get returns a queued, running or recently finished process.
func (s *Scheduler) Get(id string) (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		return p.info(), true
	}
	return s.history.find(id)
}

// Pending returns queued and running processes, oldest submission first.
func (s *Scheduler) Pending() []ProcessInfo {
	s.mu.Lock()
	out := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// History returns finished processes, oldest first.
func (s *Scheduler) History() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.items()
}

// GetStatus returns queue depth, active count and tick health.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:        s.running,
		Paused:         s.paused,
		QueueDepth:     s.queue.Len(),
		Active:         s.active,
		MaxConcurrent:  s.opts.MaxConcurrent,
		Completed:      s.completed,
		Failed:         s.failed,
		Cancelled:      s.cancelled,
		Retried:        s.retried,
		TickCount:      s.tickCount,
		TargetTickRate: s.opts.TickRate,
		HistorySize:    s.history.size,
	}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
		if secs := st.Uptime.Seconds(); secs > 0 {
			st.TickRate = float64(s.tickCount) / secs
		}
	}
	return st
}

// Pause stops ticks from launching work. Running processes continue.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Start begins ticking at the configured rate until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return kerrors.State(kerrors.ErrIllegalTransition, "scheduler already running")
	}
	s.running = true
	s.baseCtx = ctx
	s.startedAt = time.Now()
	s.tickCount = 0
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	stop, done := s.stopCh, s.loopDone
	s.mu.Unlock()

	interval := time.Second / time.Duration(s.opts.TickRate)
	s.log.Info("Scheduler started",
		zap.Int("tick_rate", s.opts.TickRate),
		zap.Int("max_concurrent", s.opts.MaxConcurrent),
	)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(s.opts.Now())
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts ticking and waits for in-flight processes until ctx is done.
// Queued processes stay queued.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()
	<-done

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return kerrors.Timeout("scheduler stop: in-flight processes still running").WithCause(ctx.Err())
	}
}

type launch struct {
	p       *process
	ctx     context.Context
	attempt int
}

// Tick launches every due process in priority order while fewer than
// MaxConcurrent are running. It returns the number launched.
func (s *Scheduler) Tick(now time.Time) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	metrics.SchedulerTicks.Inc()
	s.mu.Lock()
	s.tickCount++
	if s.paused {
		s.mu.Unlock()
		return 0
	}

	var launches []launch
	var keep []*process
	for s.queue.Len() > 0 {
		p := heap.Pop(&s.queue).(*process)
		if p.scheduledFor.After(now) || s.active >= s.opts.MaxConcurrent {
			keep = append(keep, p)
			continue
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, p.timeout)
		p.cancel = cancel
		p.attempts++
		p.startedAt = now
		p.transition(StatusRunning)
		s.active++
		s.inflight.Add(1)
		launches = append(launches, launch{p: p, ctx: ctx, attempt: p.attempts})
	}
	for _, p := range keep {
		heap.Push(&s.queue, p)
	}
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))

	var heartbeat *Status
	if s.opts.HeartbeatInterval > 0 && now.Sub(s.lastHeartbeat) >= s.opts.HeartbeatInterval {
		s.lastHeartbeat = now
		st := Status{
			Running:        s.running,
			QueueDepth:     s.queue.Len(),
			Active:         s.active,
			MaxConcurrent:  s.opts.MaxConcurrent,
			TickCount:      s.tickCount,
			TargetTickRate: s.opts.TickRate,
		}
		heartbeat = &st
	}
	events := make([]ProcessEvent, 0, len(launches))
	for _, l := range launches {
		events = append(events, s.eventFor(l.p))
	}
	s.mu.Unlock()

	for i, l := range launches {
		metrics.ProcessesTotal.WithLabelValues(l.p.spec.Type, string(StatusRunning)).Inc()
		s.emit(events[i])
		go s.execute(l)
	}
	if heartbeat != nil {
		s.heartbeat(*heartbeat)
	}
	return len(launches)
}

type outcome struct {
	result interface{}
	err    error
}

func (s *Scheduler) execute(l launch) {
	defer s.inflight.Done()
	p := l.p

	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(l.ctx, "Scheduler.Execute", trace.WithAttributes(
		attribute.String("process.id", p.id),
		attribute.String("process.type", p.spec.Type),
		attribute.Int("process.attempt", l.attempt),
	))
	defer span.End()

	run := Run{ID: p.id, Type: p.spec.Type, Name: p.spec.Name, Payload: p.spec.Payload, Attempt: l.attempt}
	resultCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Panic recovered in process handler",
					zap.String("id", p.id),
					zap.String("type", p.spec.Type),
					zap.Any("panic", r),
				)
				resultCh <- outcome{err: kerrors.Execution(fmt.Errorf("panic: %v", r), "process %s panicked", p.id)}
			}
		}()
		res, err := p.handler.Handle(ctx, run)
		resultCh <- outcome{result: res, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-resultCh:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			timedOut = true
		} else {
			out.err = ctx.Err()
		}
	}
	metrics.ProcessDuration.WithLabelValues(p.spec.Type).Observe(time.Since(start).Seconds())
	if timedOut {
		out.err = kerrors.Timeout("process %s exceeded timeout %s", p.id, p.timeout)
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	s.finish(p, l.attempt, out, timedOut)
}

func (s *Scheduler) finish(p *process, attempt int, out outcome, timedOut bool) {
	s.mu.Lock()
	s.active--
	if p.cancel != nil {
		p.cancel()
	}
	// Cancelled while running; Cancel already retired it.
	if p.status == StatusCancelled || p.attempts != attempt {
		s.mu.Unlock()
		return
	}

	var events []ProcessEvent
	if out.err == nil {
		p.result = out.result
		p.err = nil
		p.transition(StatusCompleted)
		s.retireLocked(p)
		events = append(events, s.eventFor(p))
		s.mu.Unlock()
		metrics.ProcessesTotal.WithLabelValues(p.spec.Type, string(StatusCompleted)).Inc()
		s.log.Debug("Process completed", zap.String("id", p.id), zap.Int("attempt", attempt))
		s.emit(events...)
		return
	}

	err := out.err
	if kerrors.KindOf(err) == kerrors.KindUnknown {
		err = kerrors.Execution(err, "process %s failed", p.id)
	}
	p.err = err
	if timedOut {
		p.transition(StatusTimeout)
	} else {
		p.transition(StatusFailed)
	}
	events = append(events, s.eventFor(p))

	retry := kerrors.IsRetryable(err) && p.retriesRemaining > 0
	var delay time.Duration
	if retry {
		p.retriesRemaining--
		delay = s.opts.Backoff.Delay(p.attempts)
		p.scheduledFor = s.opts.Now().Add(delay)
		p.cancel = nil
		p.transition(StatusQueued)
		s.retried++
		s.enqueueLocked(p)
		events = append(events, s.eventFor(p))
	} else {
		if p.status != StatusFailed {
			p.transition(StatusFailed)
			events = append(events, s.eventFor(p))
		}
		s.retireLocked(p)
	}
	s.mu.Unlock()

	metrics.ProcessesTotal.WithLabelValues(p.spec.Type, string(StatusFailed)).Inc()
	if retry {
		s.log.Warn("Process failed, retrying",
			zap.String("id", p.id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	} else {
		s.log.Error("Process failed", zap.String("id", p.id), zap.Int("attempts", p.attempts), zap.Error(err))
	}
	s.emit(events...)
}

// retireLocked moves a terminal process to history.
func (s *Scheduler) retireLocked(p *process) {
	delete(s.procs, p.id)
	p.finishedAt = s.opts.Now()
	switch p.status {
	case StatusCompleted:
		s.completed++
	case StatusFailed:
		s.failed++
	case StatusCancelled:
		s.cancelled++
	}
	s.history.push(p.info())
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
}

func (s *Scheduler) eventFor(p *process) ProcessEvent {
	ev := ProcessEvent{ID: p.id, Type: p.spec.Type, Name: p.spec.Name, Status: p.status, Attempt: p.attempts}
	if p.err != nil && p.status != StatusQueued && p.status != StatusRunning {
		ev.Error = p.err.Error()
	}
	return ev
}

func (s *Scheduler) emit(events ...ProcessEvent) {
	if s.opts.Endpoint == nil {
		return
	}
	for _, ev := range events {
		if _, err := s.opts.Endpoint.Broadcast(s.baseCtx, bus.TypeEvent, ev); err != nil {
			s.log.Debug("Process event not sent", zap.String("id", ev.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) heartbeat(st Status) {
	if s.opts.Endpoint == nil {
		return
	}
	if _, err := s.opts.Endpoint.Broadcast(s.baseCtx, bus.TypeHeartbeat, st, bus.WithPriority(bus.PriorityLow)); err != nil {
		s.log.Debug("Heartbeat not sent", zap.Error(err))
	}
}

// Snapshot returns the queued processes in dispatch order. Running processes
// are included and will run again after Restore. Processes scheduled with an
// inline handler and no type cannot be restored and are left out.
func (s *Scheduler) Snapshot() []ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		if p.spec.Type == "" {
			continue
		}
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].spec.Priority != procs[j].spec.Priority {
			return procs[i].spec.Priority > procs[j].spec.Priority
		}
		return procs[i].seq < procs[j].seq
	})
	out := make([]ProcessRecord, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.record())
	}
	return out
}

// Restore queues the given records, all due immediately. It fails without
// changing anything if a record's type has no handler or its id is in use.
func (s *Scheduler) Restore(records []ProcessRecord) error {
	now := s.opts.Now()
	restored := make([]*process, 0, len(records))
	for _, r := range records {
		h := s.opts.Registry.GetHandler(r.Type)
		if h == nil {
			return kerrors.Validation(kerrors.ErrNotFound, "cannot restore process %s: no handler for type %q", r.ID, r.Type)
		}
		if !r.Priority.Valid() {
			return kerrors.Validation(kerrors.ErrInvalidInput, "cannot restore process %s: invalid priority %d", r.ID, r.Priority)
		}
		p := &process{
			id:               r.ID,
			spec:             Spec{Type: r.Type, Name: r.Name, Payload: r.Payload, Priority: r.Priority, Timeout: r.Timeout, Retries: r.RetriesRemaining},
			handler:          h,
			attempts:         r.Attempts,
			retriesRemaining: r.RetriesRemaining,
			timeout:          r.Timeout,
			submittedAt:      now,
			scheduledFor:     now,
		}
		if p.id == "" {
			p.id = uuid.NewString()
		}
		if p.timeout <= 0 {
			p.timeout = s.opts.DefaultTimeout
		}
		p.transition(StatusQueued)
		restored = append(restored, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range restored {
		if _, exists := s.procs[p.id]; exists {
			return kerrors.Validation(kerrors.ErrAlreadyRegistered, "cannot restore process %s: id in use", p.id)
		}
	}
	for _, p := range restored {
		s.enqueueLocked(p)
	}
	s.log.Info("Scheduler state restored", zap.Int("processes", len(restored)))
	return nil
}
