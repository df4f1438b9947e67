package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kestrel/core/lifecycle"
	"kestrel/core/scheduler"
	"kestrel/core/snapshot"

	"go.uber.org/zap"
)

// Keys under which the host persists its state.
const (
	OrchestratorKey = "orchestrator"
	SchedulerKey    = "scheduler"
)

// SaveSnapshot writes the orchestrator and scheduler state to the store.
func (h *Host) SaveSnapshot(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	orch, err := json.Marshal(h.orch.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal orchestrator snapshot: %w", err)
	}
	sched, err := json.Marshal(h.sched.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal scheduler snapshot: %w", err)
	}
	o, err := h.store.Save(ctx, OrchestratorKey, orch)
	if err != nil {
		return err
	}
	s, err := h.store.Save(ctx, SchedulerKey, sched)
	if err != nil {
		return err
	}
	h.log.Debug("Snapshot saved",
		zap.Int64("orchestrator_version", o.Version),
		zap.Int64("scheduler_version", s.Version),
	)
	return nil
}

// RestoreSnapshot loads persisted state into the orchestrator and the
// scheduler. Missing keys are not an error.
func (h *Host) RestoreSnapshot(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	rec, err := h.store.Load(ctx, OrchestratorKey)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
	case err != nil:
		return err
	default:
		var st lifecycle.State
		if err := json.Unmarshal(rec.Value, &st); err != nil {
			return fmt.Errorf("unmarshal orchestrator snapshot: %w", err)
		}
		h.orch.Restore(st)
		h.log.Info("Orchestrator state restored", zap.Int64("version", rec.Version), zap.Time("saved_at", rec.UpdatedAt))
	}

	rec, err = h.store.Load(ctx, SchedulerKey)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	var records []scheduler.ProcessRecord
	if err := json.Unmarshal(rec.Value, &records); err != nil {
		return fmt.Errorf("unmarshal scheduler snapshot: %w", err)
	}
	return h.sched.Restore(records)
}

// persister saves snapshots at a fixed interval while the host runs.
type persister struct {
	host     *Host
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newPersister(h *Host, interval time.Duration) *persister {
	return &persister{host: h, interval: interval}
}

func (p *persister) start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *persister) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.host.SaveSnapshot(ctx); err != nil {
				p.host.log.Warn("Periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

func (p *persister) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
