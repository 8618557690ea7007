package registry

import (
	"sort"

	"github.com/atelier-run/workspace_layer/pkg/logger"
)

type nodeState uint8

const (
	unvisited nodeState = iota
	inProgress
	resolved
)

// dependencyGraph is a point-in-time view of every orderable service key and
// its registration options.
type dependencyGraph struct {
	nodes map[ServiceKey]ServiceOptions

	// order lists nodes deterministically: registration order first, then
	// generic-factory-derived workspace nodes.
	order []ServiceKey

	log *logger.Logger
}

// buildGraph snapshots the registry into a dependency graph. Nodes are the
// union of live registrations, factory registrations, and one node per known
// workspace for every generic factory type. Keys that appear only as declared
// dependencies are not orderable: there is nothing to initialize behind them,
// so their edges are skipped during traversal instead.
//
// Callers must hold r.mu.
func (r *Registry) buildGraph() *dependencyGraph {
	g := &dependencyGraph{
		nodes: make(map[ServiceKey]ServiceOptions, len(r.options)),
		log:   r.log,
	}

	for _, key := range r.order {
		g.nodes[key] = r.options[key]
		g.order = append(g.order, key)
	}

	// Generic factories contribute a node per workspace the registry has seen.
	workspaces := make([]string, 0, len(r.workspaces))
	for ws := range r.workspaces {
		workspaces = append(workspaces, ws)
	}
	sort.Strings(workspaces)

	genericTypes := make([]string, 0, len(r.genericFactories))
	for t := range r.genericFactories {
		genericTypes = append(genericTypes, t)
	}
	sort.Strings(genericTypes)

	for _, ws := range workspaces {
		for _, t := range genericTypes {
			key := WorkspaceKey(ws, t)
			if _, exists := g.nodes[key]; exists {
				continue
			}
			g.nodes[key] = r.genericOptions[t]
			g.order = append(g.order, key)
		}
	}

	return g
}

// topoOrder computes a dependency-first linear order over the graph via
// depth-first traversal with three-state marking. Roots are taken in
// descending priority so independent nodes with higher priority initialize
// earlier; registration order breaks remaining ties. Dependency edges always
// win over priority: a dependency is emitted before its dependent no matter
// how their priorities compare.
//
// A dependency edge that reaches an in-progress node is a cycle and aborts
// the sort. A dependency naming no known node is logged and skipped.
func (g *dependencyGraph) topoOrder() ([]ServiceKey, error) {
	roots := make([]ServiceKey, len(g.order))
	copy(roots, g.order)
	sort.SliceStable(roots, func(i, j int) bool {
		return g.nodes[roots[i]].Priority > g.nodes[roots[j]].Priority
	})

	state := make(map[ServiceKey]nodeState, len(g.nodes))
	order := make([]ServiceKey, 0, len(g.nodes))

	for _, root := range roots {
		if state[root] != unvisited {
			continue
		}
		if err := g.visit(root, state, &order); err != nil {
			return nil, err
		}
	}

	return order, nil
}

func (g *dependencyGraph) visit(key ServiceKey, state map[ServiceKey]nodeState, order *[]ServiceKey) error {
	state[key] = inProgress

	for _, dep := range g.nodes[key].Dependencies {
		target, ok := g.resolveDependency(key, dep)
		if !ok {
			g.log.Warnf("service %q depends on unregistered service %q, edge skipped", key, dep)
			continue
		}
		switch state[target] {
		case inProgress:
			return &CycleError{Key: target}
		case unvisited:
			if err := g.visit(target, state, order); err != nil {
				return err
			}
		}
	}

	state[key] = resolved
	*order = append(*order, key)
	return nil
}

// resolveDependency applies the workspace aliasing rule: a dependency D
// declared by workspace node ws:T resolves to ws:D when that node exists and
// falls back to the global D otherwise. Global nodes resolve directly.
func (g *dependencyGraph) resolveDependency(from ServiceKey, dep string) (ServiceKey, bool) {
	if !from.IsGlobal() {
		aliased := WorkspaceKey(from.Workspace, dep)
		if _, ok := g.nodes[aliased]; ok {
			return aliased, true
		}
	}
	global := GlobalKey(dep)
	if _, ok := g.nodes[global]; ok {
		return global, true
	}
	return ServiceKey{}, false
}
