// Package depgraph holds an immutable adjacency snapshot of a tenant's
// blocking edges and the pure graph algorithms that run against it. A Graph is
// built from a consistent read of the store and never mutated afterwards, so
// it is safe for concurrent readers.
package depgraph

import "github.com/google/uuid"

// Edge is the projection of a dependency needed by the graph algorithms.
type Edge struct {
	ID     uuid.UUID
	Source uuid.UUID
	Target uuid.UUID
}

type edgeKey struct {
	source uuid.UUID
	target uuid.UUID
}

// Graph indexes edges in both directions for O(1) neighbor lookups.
type Graph struct {
	outgoing map[uuid.UUID][]uuid.UUID
	incoming map[uuid.UUID][]uuid.UUID
	edgeIDs  map[edgeKey]uuid.UUID
}

func New(edges []Edge) *Graph {
	g := &Graph{
		outgoing: make(map[uuid.UUID][]uuid.UUID, len(edges)),
		incoming: make(map[uuid.UUID][]uuid.UUID, len(edges)),
		edgeIDs:  make(map[edgeKey]uuid.UUID, len(edges)),
	}
	for _, e := range edges {
		g.add(e)
	}
	return g
}

func (g *Graph) add(e Edge) {
	key := edgeKey{source: e.Source, target: e.Target}
	if _, exists := g.edgeIDs[key]; exists {
		return
	}
	g.edgeIDs[key] = e.ID
	g.outgoing[e.Source] = append(g.outgoing[e.Source], e.Target)
	g.incoming[e.Target] = append(g.incoming[e.Target], e.Source)
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	return len(g.edgeIDs)
}

// Outgoing returns the targets directly depending on source.
func (g *Graph) Outgoing(source uuid.UUID) []uuid.UUID {
	return g.outgoing[source]
}

// Incoming returns the sources that target directly depends on.
func (g *Graph) Incoming(target uuid.UUID) []uuid.UUID {
	return g.incoming[target]
}

func (g *Graph) HasEdge(source, target uuid.UUID) bool {
	_, ok := g.edgeIDs[edgeKey{source: source, target: target}]
	return ok
}

// EdgeID returns the id of the edge source -> target, if present.
func (g *Graph) EdgeID(source, target uuid.UUID) (uuid.UUID, bool) {
	id, ok := g.edgeIDs[edgeKey{source: source, target: target}]
	return id, ok
}

// Reachable reports whether to can be reached from from by following edges in
// the source -> target direction. Runs in O(V+E).
func (g *Graph) Reachable(from, to uuid.UUID) bool {
	return g.findPath(from, to) != nil
}

// findPath returns one path from -> ... -> to as an iterative depth-first
// search, or nil when to is unreachable. The path includes both endpoints.
func (g *Graph) findPath(from, to uuid.UUID) []uuid.UUID {
	if from == to {
		return []uuid.UUID{from}
	}

	parent := make(map[uuid.UUID]uuid.UUID)
	visited := map[uuid.UUID]bool{from: true}
	stack := []uuid.UUID{from}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, next := range g.outgoing[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = node
			if next == to {
				return g.buildPath(parent, from, to)
			}
			stack = append(stack, next)
		}
	}
	return nil
}

func (g *Graph) buildPath(parent map[uuid.UUID]uuid.UUID, from, to uuid.UUID) []uuid.UUID {
	reversed := []uuid.UUID{to}
	for cur := to; cur != from; {
		cur = parent[cur]
		reversed = append(reversed, cur)
	}

	path := make([]uuid.UUID, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}

// Ancestors walks upstream from start in breadth-first order, calling visit
// once per newly discovered source with the edge that reached it and the hop
// count from start. Nodes reachable through multiple paths are reported at
// their shortest depth.
func (g *Graph) Ancestors(start uuid.UUID, visit func(edge Edge, depth int)) {
	type queued struct {
		node  uuid.UUID
		depth int
	}

	visited := map[uuid.UUID]bool{start: true}
	queue := []queued{{node: start, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, source := range g.incoming[cur.node] {
			if visited[source] {
				continue
			}
			visited[source] = true
			id, _ := g.EdgeID(source, cur.node)
			visit(Edge{ID: id, Source: source, Target: cur.node}, cur.depth+1)
			queue = append(queue, queued{node: source, depth: cur.depth + 1})
		}
	}
}
