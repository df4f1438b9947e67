package lifecycle

import (
	"kestrel/core/component"

	"go.uber.org/zap"
)

// ComponentState is the persisted view of one component.
type ComponentState struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Enabled bool            `json:"enabled"`
	State   component.State `json:"state"`
}

// State is the persisted view of the orchestrator.
type State struct {
	Components []ComponentState `json:"components"`
}

// Snapshot captures enabled flags and states in registration order.
func (o *Orchestrator) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := o.registeredLocked()
	st := State{Components: make([]ComponentState, 0, len(names))}
	for _, name := range names {
		r := o.records[name]
		st.Components = append(st.Components, ComponentState{
			Name:    name,
			Version: r.desc.Version,
			Enabled: r.enabled,
			State:   r.state,
		})
	}
	return st
}

// Restore applies the enabled flags from a snapshot to the registered
// components. States are not forced; active states are reached again through
// InitializeAll. Components unknown to this orchestrator are ignored. A
// component left disabled under an enabled dependent is enabled again.
func (o *Orchestrator) Restore(st State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cs := range st.Components {
		r, ok := o.records[cs.Name]
		if !ok {
			o.log.Warn("Snapshot names unknown component", zap.String("component", cs.Name))
			continue
		}
		if r.desc.Version != cs.Version {
			o.log.Info("Component version changed since snapshot",
				zap.String("component", cs.Name),
				zap.String("snapshot", cs.Version),
				zap.String("current", r.desc.Version),
			)
		}
		r.enabled = cs.Enabled
	}
	for _, name := range o.reenableLocked() {
		o.log.Warn("Snapshot disabled a component that enabled components depend on; keeping it enabled",
			zap.String("component", name))
	}
}

// reenableLocked enables every disabled component that has an enabled
// dependent, until no such component remains, and returns their names.
func (o *Orchestrator) reenableLocked() []string {
	var enabled []string
	for changed := true; changed; {
		changed = false
		for _, name := range o.registeredLocked() {
			r := o.records[name]
			if r.enabled {
				continue
			}
			for _, d := range r.dependents {
				if o.records[d].enabled {
					r.enabled = true
					enabled = append(enabled, name)
					changed = true
					break
				}
			}
		}
	}
	return enabled
}
