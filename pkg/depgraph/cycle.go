package depgraph

import "github.com/google/uuid"

// WouldCreateCycle reports whether adding the edge source -> target would
// close a cycle in the graph. It is a pure check with no side effects: a cycle
// appears iff source is already reachable from target, so the existing graph
// is only read, never modified.
//
// When a cycle is detected the returned witness is one existing path
// target -> ... -> source; the proposed edge would close it. A self loop
// returns the single-node witness.
func WouldCreateCycle(g *Graph, source, target uuid.UUID) (bool, []uuid.UUID) {
	if source == target {
		return true, []uuid.UUID{source}
	}

	path := g.findPath(target, source)
	if path == nil {
		return false, nil
	}
	return true, path
}
