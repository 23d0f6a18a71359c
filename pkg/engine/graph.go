package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the typed dependency graph of the fixed topology. Nodes are keyed
// by (kind, name); edges are an explicit adjacency list. It is built once per
// run from the desired states' DependsOn declarations and topologically
// sorted once.
type Graph struct {
	// nodes indexes every key in the graph.
	nodes map[NodeKey]struct{}

	// dependents maps a node to the nodes that depend on it.
	dependents map[NodeKey][]NodeKey

	// dependencies maps a node to the nodes it depends on.
	dependencies map[NodeKey][]NodeKey

	// order is the topological order, dependencies first.
	order []NodeKey
}

// BuildGraph constructs and sorts the dependency graph from desired states.
// Every DependsOn target must itself be a desired state; cycles are rejected.
func BuildGraph(states []DesiredState) (*Graph, error) {
	g := &Graph{
		nodes:        make(map[NodeKey]struct{}, len(states)),
		dependents:   make(map[NodeKey][]NodeKey),
		dependencies: make(map[NodeKey][]NodeKey),
	}

	for _, s := range states {
		if s.Key.Name == "" {
			return nil, NewConflictError("desired state has empty name", nil).
				WithResource(s.Key.Kind, s.Key.Name)
		}
		if _, dup := g.nodes[s.Key]; dup {
			return nil, NewConflictError(fmt.Sprintf("duplicate resource %s", s.Key), nil)
		}
		g.nodes[s.Key] = struct{}{}
	}

	for _, s := range states {
		for _, dep := range s.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, NewConflictError(
					fmt.Sprintf("%s depends on unknown resource %s", s.Key, dep), nil)
			}
			g.dependents[dep] = append(g.dependents[dep], s.Key)
			g.dependencies[s.Key] = append(g.dependencies[s.Key], dep)
		}
	}

	if err := g.sortTopologically(); err != nil {
		return nil, err
	}
	return g, nil
}

// sortTopologically runs Kahn's algorithm. Within a level, nodes are ordered
// by the fixed kind order and then by name, so plans are deterministic.
func (g *Graph) sortTopologically() error {
	inDegree := make(map[NodeKey]int, len(g.nodes))
	for key := range g.nodes {
		inDegree[key] = len(g.dependencies[key])
	}

	level := make([]NodeKey, 0)
	for key, deg := range inDegree {
		if deg == 0 {
			level = append(level, key)
		}
	}

	g.order = make([]NodeKey, 0, len(g.nodes))
	for len(level) > 0 {
		sortKeys(level)
		next := make([]NodeKey, 0)
		for _, key := range level {
			g.order = append(g.order, key)
			for _, dep := range g.dependents[key] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}

	if len(g.order) != len(g.nodes) {
		return NewConflictError(
			fmt.Sprintf("dependency cycle: %s", g.describeCycle(inDegree)), nil)
	}
	return nil
}

func (g *Graph) describeCycle(inDegree map[NodeKey]int) string {
	var stuck []string
	for key, deg := range inDegree {
		if deg > 0 {
			stuck = append(stuck, key.String())
		}
	}
	sort.Strings(stuck)
	return strings.Join(stuck, ", ")
}

// TopoOrder returns every node, dependencies before dependents.
func (g *Graph) TopoOrder() []NodeKey {
	return append([]NodeKey(nil), g.order...)
}

// ReverseTopoOrder returns every node, dependents before dependencies.
// This is the teardown order.
func (g *Graph) ReverseTopoOrder() []NodeKey {
	out := make([]NodeKey, len(g.order))
	for i, key := range g.order {
		out[len(g.order)-1-i] = key
	}
	return out
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(key NodeKey) []NodeKey {
	return append([]NodeKey(nil), g.dependencies[key]...)
}

// Dependents returns every node that transitively depends on key.
func (g *Graph) Dependents(key NodeKey) []NodeKey {
	seen := make(map[NodeKey]struct{})
	var walk func(NodeKey)
	walk = func(k NodeKey) {
		for _, d := range g.dependents[k] {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			walk(d)
		}
	}
	walk(key)

	out := make([]NodeKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Contains reports whether the graph has the node.
func (g *Graph) Contains(key NodeKey) bool {
	_, ok := g.nodes[key]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

var kindRank = func() map[ResourceKind]int {
	m := make(map[ResourceKind]int, len(KindOrder))
	for i, k := range KindOrder {
		m[k] = i
	}
	return m
}()

func sortKeys(keys []NodeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if kindRank[keys[i].Kind] != kindRank[keys[j].Kind] {
			return kindRank[keys[i].Kind] < kindRank[keys[j].Kind]
		}
		return keys[i].Name < keys[j].Name
	})
}
