// Package prefgraph maintains an in-memory view of answered preferences
// as a directed graph. Strict preferences (a beats b) must stay
// transitive, so the strict subgraph must be acyclic; indifferences are
// not assumed transitive. A strict edge that would close a cycle is
// reported as a coherence violation and kept out of the strict relation,
// while the underlying stored preference remains untouched.
package prefgraph

import (
	"sort"
	"sync"

	"github.com/INLOpen/nexuspref/core"
)

// Graph is safe for concurrent use. It sits off every hot path: edges
// arrive at human answer rate and reads serve the sort-insertion
// selection policy and diagnostics.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[core.SegmentID]struct{}
	strict map[core.SegmentID]map[core.SegmentID]struct{} // winner -> losers
	indiff map[core.SegmentID]map[core.SegmentID]struct{} // symmetric
}

func New() *Graph {
	return &Graph{
		nodes:  make(map[core.SegmentID]struct{}),
		strict: make(map[core.SegmentID]map[core.SegmentID]struct{}),
		indiff: make(map[core.SegmentID]map[core.SegmentID]struct{}),
	}
}

// AddPreference folds one answered preference into the graph. Outcome a
// adds the strict edge A->B, outcome b adds B->A, a tie adds a symmetric
// indifference, and unknown only registers the nodes. The returned error
// is a *core.CoherenceViolationError when a strict edge would close a
// cycle; callers report it and move on.
func (g *Graph) AddPreference(p *core.Preference) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addNodeLocked(p.SegmentA)
	g.addNodeLocked(p.SegmentB)

	switch p.Outcome {
	case core.OutcomeA:
		return g.addStrictLocked(p.SegmentA, p.SegmentB)
	case core.OutcomeB:
		return g.addStrictLocked(p.SegmentB, p.SegmentA)
	case core.OutcomeTie:
		g.addIndiffLocked(p.SegmentA, p.SegmentB)
	}
	return nil
}

func (g *Graph) addNodeLocked(id core.SegmentID) {
	g.nodes[id] = struct{}{}
}

func (g *Graph) addStrictLocked(winner, loser core.SegmentID) error {
	if losers, ok := g.strict[winner]; ok {
		if _, dup := losers[loser]; dup {
			return nil
		}
	}
	// Adding winner->loser closes a cycle iff winner is already reachable
	// from loser through the strict relation.
	if path := g.pathLocked(loser, winner); path != nil {
		return &core.CoherenceViolationError{Cycle: append(path, loser)}
	}
	if g.strict[winner] == nil {
		g.strict[winner] = make(map[core.SegmentID]struct{})
	}
	g.strict[winner][loser] = struct{}{}
	return nil
}

func (g *Graph) addIndiffLocked(a, b core.SegmentID) {
	if g.indiff[a] == nil {
		g.indiff[a] = make(map[core.SegmentID]struct{})
	}
	if g.indiff[b] == nil {
		g.indiff[b] = make(map[core.SegmentID]struct{})
	}
	g.indiff[a][b] = struct{}{}
	g.indiff[b][a] = struct{}{}
}

// pathLocked returns a path from src to dst through strict edges, or nil.
func (g *Graph) pathLocked(src, dst core.SegmentID) []core.SegmentID {
	visited := make(map[core.SegmentID]bool)
	var dfs func(cur core.SegmentID, trail []core.SegmentID) []core.SegmentID
	dfs = func(cur core.SegmentID, trail []core.SegmentID) []core.SegmentID {
		if cur == dst {
			return append(trail, cur)
		}
		visited[cur] = true
		for next := range g.strict[cur] {
			if visited[next] {
				continue
			}
			if found := dfs(next, append(trail, cur)); found != nil {
				return found
			}
		}
		return nil
	}
	return dfs(src, nil)
}

// Ranked reports whether a segment participates in any strict preference.
func (g *Graph) Ranked(id core.SegmentID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.strict[id]) > 0 {
		return true
	}
	for _, losers := range g.strict {
		if _, ok := losers[id]; ok {
			return true
		}
	}
	return false
}

// TopoOrder returns the segments of the strict relation in topological
// order, best first. Ties in in-degree resolve by ascending id so the
// order is deterministic.
func (g *Graph) TopoOrder() []core.SegmentID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[core.SegmentID]int)
	for winner, losers := range g.strict {
		if _, ok := indeg[winner]; !ok {
			indeg[winner] = 0
		}
		for loser := range losers {
			indeg[loser]++
		}
	}

	ready := make([]core.SegmentID, 0, len(indeg))
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]core.SegmentID, 0, len(indeg))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := make([]core.SegmentID, 0)
		for loser := range g.strict[id] {
			indeg[loser]--
			if indeg[loser] == 0 {
				next = append(next, loser)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		ready = append(ready, next...)
	}
	return order
}

// Median returns the middle node of the topological ordering, or
// ErrNotFound when the strict relation is empty. Used to seed binary
// search ranking.
func (g *Graph) Median() (core.SegmentID, error) {
	order := g.TopoOrder()
	if len(order) == 0 {
		return 0, core.ErrNotFound
	}
	return order[len(order)/2], nil
}

// Len returns the number of known nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
