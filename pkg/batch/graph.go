package batch

import (
	"fmt"
	"sort"
)

// Graph models must-complete-before relationships between operations.
// Nodes are operation ids; an edge A → B means A must finish before B
// starts. ExecutionOrder partitions the nodes into stages whose members
// may run in parallel.
type Graph struct {
	nodes map[string]any
	deps  map[string]map[string]struct{} // node → its prerequisites
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]any),
		deps:  make(map[string]map[string]struct{}),
	}
}

// AddNode registers an operation id. Re-adding replaces the data.
func (g *Graph) AddNode(id string, data any) {
	g.nodes[id] = data
	if g.deps[id] == nil {
		g.deps[id] = make(map[string]struct{})
	}
}

// AddDependency declares that id must wait for dependsOn. Both nodes
// must already exist.
func (g *Graph) AddDependency(id, dependsOn string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDependency, id)
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		return fmt.Errorf("%w: %s (required by %s)", ErrUnknownDependency, dependsOn, id)
	}
	g.deps[id][dependsOn] = struct{}{}
	return nil
}

// ExecutionOrder partitions node ids into ordered stages: each stage
// holds every unvisited node whose prerequisites are all visited. A
// cycle makes some iteration produce an empty stage with nodes left,
// which is a hard error.
func (g *Graph) ExecutionOrder() ([][]string, error) {
	visited := make(map[string]struct{}, len(g.nodes))
	var stages [][]string

	for len(visited) < len(g.nodes) {
		var stage []string
		for id := range g.nodes {
			if _, done := visited[id]; done {
				continue
			}
			ready := true
			for dep := range g.deps[id] {
				if _, done := visited[dep]; !done {
					ready = false
					break
				}
			}
			if ready {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			return nil, fmt.Errorf("%w: %d nodes unresolvable", ErrCycleDetected, len(g.nodes)-len(visited))
		}
		sort.Strings(stage)
		for _, id := range stage {
			visited[id] = struct{}{}
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// HasCycles reports whether the graph contains a dependency cycle.
func (g *Graph) HasCycles() bool {
	_, err := g.ExecutionOrder()
	return err != nil
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}
