package lifecycle

import (
	"sort"
	"strings"

	kerrors "kestrel/core/errors"
)

const (
	white = iota
	grey
	black
)

// Node is one component in the dependency graph.
type Node struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	Enabled      bool     `json:"enabled"`
}

// byPriority returns names sorted by descriptor priority, then registration order.
func (o *Orchestrator) byPriority(names []string) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := o.records[out[i]], o.records[out[j]]
		if a == nil || b == nil {
			return a != nil
		}
		if a.desc.Priority != b.desc.Priority {
			return a.desc.Priority < b.desc.Priority
		}
		return a.seq < b.seq
	})
	return out
}

// rebuildLocked recomputes every record's dependents from the declared
// dependencies.
func (o *Orchestrator) rebuildLocked() {
	for _, r := range o.records {
		r.dependents = r.dependents[:0]
	}
	for _, name := range o.registeredLocked() {
		r := o.records[name]
		for _, dep := range r.desc.DependencyNames() {
			if d, ok := o.records[dep]; ok {
				d.dependents = append(d.dependents, name)
			}
		}
	}
}

// verifyLocked checks that the dependents index agrees with the declared
// dependencies in both directions.
func (o *Orchestrator) verifyLocked() error {
	for name, r := range o.records {
		for _, dep := range r.desc.DependencyNames() {
			d, ok := o.records[dep]
			if !ok {
				continue
			}
			listed := false
			for _, dependent := range d.dependents {
				if dependent == name {
					listed = true
					break
				}
			}
			if !listed {
				return kerrors.State(kerrors.ErrHalted, "%q depends on %q but is missing from its dependents", name, dep)
			}
		}
	}
	for name, r := range o.records {
		for _, dependent := range r.dependents {
			d, ok := o.records[dependent]
			if !ok {
				return kerrors.State(kerrors.ErrHalted, "dependent %q of %q is not registered", dependent, name)
			}
			found := false
			for _, dep := range d.desc.DependencyNames() {
				if dep == name {
					found = true
					break
				}
			}
			if !found {
				return kerrors.State(kerrors.ErrHalted, "%q is listed as dependent of %q but does not depend on it", dependent, name)
			}
		}
	}
	return nil
}

// registeredLocked returns all names in registration order.
func (o *Orchestrator) registeredLocked() []string {
	names := make([]string, 0, len(o.records))
	for name := range o.records {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return o.records[names[i]].seq < o.records[names[j]].seq })
	return names
}

// orderLocked runs a depth-first topological sort over every registered
// component. Dependencies always precede their dependents in the result.
// Dependencies on unregistered names are ignored here. Every back edge found
// is reported as a cycle, listed from the first repeated node.
func (o *Orchestrator) orderLocked() (order []string, cycles [][]string) {
	color := make(map[string]int, len(o.records))
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range o.byPriority(o.records[name].desc.DependencyNames()) {
			if _, ok := o.records[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		order = append(order, name)
	}

	for _, name := range o.byPriority(o.registeredLocked()) {
		if color[name] == white {
			visit(name)
		}
	}
	return order, cycles
}

// Edge points from a component to one of its dependencies.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DependencyGraph is a detached view of the registered components. Cycles
// lists every cycle found, each starting at its first repeated node.
// ResolvedOrder is the initialization order of enabled components and is
// empty while the graph has a cycle.
type DependencyGraph struct {
	Nodes         []Node     `json:"nodes"`
	Edges         []Edge     `json:"edges"`
	Cycles        [][]string `json:"cycles,omitempty"`
	ResolvedOrder []string   `json:"resolved_order"`
}

// Graph returns a deep copy of the dependency graph. Nodes and edges are in
// registration order; edges to unregistered names are included.
func (o *Orchestrator) Graph() DependencyGraph {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := o.registeredLocked()
	g := DependencyGraph{Nodes: make([]Node, 0, len(names)), Edges: []Edge{}, ResolvedOrder: []string{}}
	for _, name := range names {
		r := o.records[name]
		deps := r.desc.DependencyNames()
		g.Nodes = append(g.Nodes, Node{
			Name:         name,
			Dependencies: deps,
			Dependents:   append([]string(nil), r.dependents...),
			Enabled:      r.enabled,
		})
		for _, dep := range deps {
			g.Edges = append(g.Edges, Edge{From: name, To: dep})
		}
	}
	order, cycles := o.orderLocked()
	g.Cycles = cycles
	if len(cycles) == 0 {
		g.ResolvedOrder = o.enabledLocked(order)
	}
	return g
}

func (o *Orchestrator) enabledLocked(order []string) []string {
	out := make([]string, 0, len(order))
	for _, name := range order {
		if o.records[name].enabled {
			out = append(out, name)
		}
	}
	return out
}

// Order returns the current initialization order of enabled components, or
// a dependency error naming a cycle.
func (o *Orchestrator) Order() ([]string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	order, cycles := o.orderLocked()
	if len(cycles) > 0 {
		return nil, cycleError(cycles)
	}
	return o.enabledLocked(order), nil
}

// cycleError carries the first cycle in Cycle; further cycles are named in
// the message.
func cycleError(cycles [][]string) *kerrors.Error {
	msg := "circular dependency detected"
	if len(cycles) > 1 {
		more := make([]string, 0, len(cycles)-1)
		for _, c := range cycles[1:] {
			more = append(more, strings.Join(append(append([]string(nil), c...), c[0]), " -> "))
		}
		msg += " (also " + strings.Join(more, "; ") + ")"
	}
	return kerrors.Dependency(kerrors.ErrCircularDependency, "%s", msg).WithCycle(cycles[0])
}
