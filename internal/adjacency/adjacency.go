// Package adjacency implements the in-memory directed graph view shared with
// the ANN index under the same id-space: per-node outgoing edges sorted by
// (neighbor id, relation type), an incoming-edge index for node removal, and
// deterministic breadth-first expansion.
package adjacency

import (
	"sort"
	"sync"

	"github.com/alayasiki/alayasiki/internal/domain"
)

type edge struct {
	to      int64
	relType int32
	weight  float64
}

// Graph is a mutable directed adjacency structure.
type Graph struct {
	mu  sync.RWMutex
	out map[int64][]edge // sorted by (to, relType)
	in  map[int64]map[int64]bool
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		out: make(map[int64][]edge),
		in:  make(map[int64]map[int64]bool),
	}
}

func edgeLess(a, b edge) bool {
	if a.to != b.to {
		return a.to < b.to
	}
	return a.relType < b.relType
}

// AddEdge inserts a directed edge, replacing any existing edge with the same
// (from, to, relType) key.
func (g *Graph) AddEdge(from, to int64, relType int32, weight float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdgeLocked(from, to, relType, weight)
}

func (g *Graph) addEdgeLocked(from, to int64, relType int32, weight float64) {
	list := g.out[from]
	for i, e := range list {
		if e.to == to && e.relType == relType {
			list[i].weight = weight
			return
		}
	}
	list = append(list, edge{to: to, relType: relType, weight: weight})
	sort.Slice(list, func(i, j int) bool { return edgeLess(list[i], list[j]) })
	g.out[from] = list

	if g.in[to] == nil {
		g.in[to] = make(map[int64]bool)
	}
	g.in[to][from] = true
}

// RemoveEdge deletes the (from, to, relType) edge, if present.
func (g *Graph) RemoveEdge(from, to int64, relType int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEdgeLocked(from, to, relType)
}

func (g *Graph) removeEdgeLocked(from, to int64, relType int32) {
	list := g.out[from]
	for i, e := range list {
		if e.to == to && e.relType == relType {
			g.out[from] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if !g.hasAnyEdgeLocked(from, to) {
		delete(g.in[to], from)
	}
}

func (g *Graph) hasAnyEdgeLocked(from, to int64) bool {
	for _, e := range g.out[from] {
		if e.to == to {
			return true
		}
	}
	return false
}

// RemoveNodeEdges deletes every edge incident to id, in either direction.
func (g *Graph) RemoveNodeEdges(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.out, id)

	for from := range g.in[id] {
		list := g.out[from]
		kept := list[:0]
		for _, e := range list {
			if e.to != id {
				kept = append(kept, e)
			}
		}
		g.out[from] = kept
	}
	delete(g.in, id)

	for _, froms := range g.in {
		delete(froms, id)
	}
}

// Neighbors returns id's outgoing edges sorted by (neighbor id, relation type).
func (g *Graph) Neighbors(id int64) []domain.Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighborsLocked(id, nil)
}

func (g *Graph) neighborsLocked(id int64, relFilter map[int32]bool) []domain.Neighbor {
	list := g.out[id]
	out := make([]domain.Neighbor, 0, len(list))
	for _, e := range list {
		if relFilter != nil && !relFilter[e.relType] {
			continue
		}
		out = append(out, domain.Neighbor{ID: e.to, RelType: e.relType, Weight: e.weight})
	}
	return out
}

// Subgraph is the result of Expand: the reachable node ids (including seeds)
// and the edges observed while reaching them.
type Subgraph struct {
	NodeIDs []int64
	Edges   []domain.Edge
}

// Expand performs deterministic BFS from seeds out to maxHops directed steps.
// maxHops=0 returns only the seeds. At each frontier, neighbors are visited in
// ascending (neighbor id, relation type) order; relFilter, if non-nil,
// restricts which relation types are traversed.
func (g *Graph) Expand(seeds []int64, maxHops int, relFilter map[int32]bool) Subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sortedSeeds := append([]int64(nil), seeds...)
	sort.Slice(sortedSeeds, func(i, j int) bool { return sortedSeeds[i] < sortedSeeds[j] })

	visited := make(map[int64]bool)
	var order []int64
	for _, s := range sortedSeeds {
		if !visited[s] {
			visited[s] = true
			order = append(order, s)
		}
	}

	var edges []domain.Edge
	frontier := append([]int64(nil), order...)

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		var next []int64
		for _, id := range frontier {
			for _, nb := range g.neighborsLocked(id, relFilter) {
				edges = append(edges, domain.Edge{SourceID: id, TargetID: nb.ID, RelType: nb.RelType, Weight: nb.Weight})
				if !visited[nb.ID] {
					visited[nb.ID] = true
					order = append(order, nb.ID)
					next = append(next, nb.ID)
				}
			}
		}
		frontier = next
	}

	return Subgraph{NodeIDs: order, Edges: edges}
}
