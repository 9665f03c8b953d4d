// Package community implements Leiden-like community detection over a graph
// adjacency snapshot: repeated local-move greedy modularity optimization,
// refinement that splits any internally-disconnected community, and
// hierarchical aggregation into a meta-graph for the next level. Every step
// iterates in ascending node-id order so detection is reproducible given
// identical input order.
package community

import (
	"math"
	"sort"

	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/hyperindex"
)

// Community is a labelled set of node ids at one hierarchy level.
type Community struct {
	ID      int64
	NodeIDs []int64 // sorted ascending
}

// Level is one layer of the hierarchy, finest first.
type Level struct {
	Communities []Community
	NodeToComm  map[int64]int64
}

// Partition is the full detected hierarchy, finest level first.
type Partition struct {
	Levels []Level
}

type weightedEdge struct {
	to     int64
	weight float64
}

// Engine runs detection/summarization/PageRank over a fixed adjacency
// snapshot taken under the Hyper-Index's read lock, plus a buffer of
// incrementally added edges for RefreshIncremental.
type Engine struct {
	nodeIDs    []int64                  // sorted
	adj        map[int64][]weightedEdge // undirected view: both directions folded in
	directed   map[int64][]domain.Neighbor
	maxDepth   int
	resolution float64

	assignment map[int64]int64 // node id -> current finest-level community id
	pending    []domain.Edge
}

// New builds an Engine from a Hyper-Index image. Edges are folded into an
// undirected weighted view for modularity purposes and kept directed
// separately for PageRank.
func New(img hyperindex.Image, maxDepth int, resolution float64) *Engine {
	e := &Engine{
		adj:        make(map[int64][]weightedEdge),
		directed:   make(map[int64][]domain.Neighbor),
		maxDepth:   maxDepth,
		resolution: resolution,
		assignment: make(map[int64]int64),
	}
	live := make(map[int64]bool)
	for _, n := range img.Nodes {
		if !n.Tombstone {
			live[n.ID] = true
			e.nodeIDs = append(e.nodeIDs, n.ID)
			e.assignment[n.ID] = n.ID
		}
	}
	sort.Slice(e.nodeIDs, func(i, j int) bool { return e.nodeIDs[i] < e.nodeIDs[j] })

	for _, ed := range img.Edges {
		if !live[ed.SourceID] || !live[ed.TargetID] {
			continue
		}
		e.addEdge(ed.SourceID, ed.TargetID, ed.RelType, ed.Weight)
	}
	return e
}

func (e *Engine) addEdge(a, b int64, relType int32, w float64) {
	e.directed[a] = append(e.directed[a], domain.Neighbor{ID: b, RelType: relType, Weight: w})
	e.adj[a] = append(e.adj[a], weightedEdge{to: b, weight: w})
	if a != b {
		e.adj[b] = append(e.adj[b], weightedEdge{to: a, weight: w})
	}
}

// Detect runs the local-move -> refine -> aggregate loop and returns the
// resulting hierarchy, finest level first. resolution<=0 uses the Engine's
// configured default.
func (e *Engine) Detect(resolution float64) Partition {
	if resolution <= 0 {
		resolution = e.resolution
	}
	if resolution <= 0 {
		resolution = 1.0
	}

	level := localMoveAndRefine(e.nodeIDs, e.adj, resolution)
	part := Partition{Levels: []Level{level}}
	for id, c := range level.NodeToComm {
		e.assignment[id] = c
	}

	prevCount := len(e.nodeIDs)
	curIDs, curAdj, _ := level.toMetaGraph(e.adj)
	for depth := 1; depth < e.maxDepth; depth++ {
		if len(curIDs) == prevCount {
			break // the previous level merged nothing: no further coarsening
		}
		next := localMoveAndRefine(curIDs, curAdj, resolution)
		part.Levels = append(part.Levels, next)
		if len(next.Communities) == len(curIDs) {
			break // no merges happened at this level; hierarchy has converged
		}
		prevCount = len(curIDs)
		curIDs, curAdj, _ = next.toMetaGraph(curAdj)
	}
	return part
}

// localMoveAndRefine performs repeated single-node greedy modularity moves
// (ascending id sweep, ascending-community-id tie-break) until no move
// improves modularity, then splits any resulting community that is internally
// disconnected.
func localMoveAndRefine(nodeIDs []int64, adj map[int64][]weightedEdge, resolution float64) Level {
	comm := make(map[int64]int64, len(nodeIDs))
	for _, id := range nodeIDs {
		comm[id] = id // start with singleton communities keyed by node id
	}

	degree := make(map[int64]float64, len(nodeIDs))
	var m2 float64
	for _, id := range nodeIDs {
		for _, ed := range adj[id] {
			degree[id] += ed.weight
			m2 += ed.weight
		}
	}
	if m2 == 0 {
		m2 = 1
	}

	commDegree := make(map[int64]float64, len(nodeIDs))
	for _, id := range nodeIDs {
		commDegree[comm[id]] += degree[id]
	}

	for improved := true; improved; {
		improved = false
		for _, id := range nodeIDs {
			current := comm[id]
			weightToComm := make(map[int64]float64)
			for _, ed := range adj[id] {
				if ed.to == id {
					continue
				}
				weightToComm[comm[ed.to]] += ed.weight
			}

			candidates := make([]int64, 0, len(weightToComm))
			for c := range weightToComm {
				candidates = append(candidates, c)
			}
			sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

			commDegree[current] -= degree[id]
			bestComm, bestGain := current, weightToComm[current]-resolution*degree[id]*commDegree[current]/m2
			for _, c := range candidates {
				if c == current {
					continue
				}
				gain := weightToComm[c] - resolution*degree[id]*commDegree[c]/m2
				if gain > bestGain {
					bestGain, bestComm = gain, c
				}
			}
			commDegree[bestComm] += degree[id]

			if bestComm != current {
				comm[id] = bestComm
				improved = true
			}
		}
	}

	return refine(nodeIDs, adj, comm)
}

// refine ensures every community is internally connected (BFS per community
// in ascending id order, splitting on disconnection) and relabels each
// resulting community by its smallest member id.
func refine(nodeIDs []int64, adj map[int64][]weightedEdge, comm map[int64]int64) Level {
	byComm := make(map[int64][]int64)
	for _, id := range nodeIDs {
		byComm[comm[id]] = append(byComm[comm[id]], id)
	}
	commKeys := make([]int64, 0, len(byComm))
	for c := range byComm {
		commKeys = append(commKeys, c)
	}
	sort.Slice(commKeys, func(i, j int) bool { return commKeys[i] < commKeys[j] })

	var groups [][]int64
	for _, c := range commKeys {
		members := byComm[c]
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		memberSet := make(map[int64]bool, len(members))
		for _, m := range members {
			memberSet[m] = true
		}

		visited := make(map[int64]bool)
		for _, start := range members {
			if visited[start] {
				continue
			}
			var comp []int64
			queue := []int64{start}
			visited[start] = true
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				comp = append(comp, cur)
				neigh := append([]weightedEdge(nil), adj[cur]...)
				sort.Slice(neigh, func(i, j int) bool { return neigh[i].to < neigh[j].to })
				for _, ed := range neigh {
					if memberSet[ed.to] && !visited[ed.to] {
						visited[ed.to] = true
						queue = append(queue, ed.to)
					}
				}
			}
			sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
			groups = append(groups, comp)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })

	level := Level{NodeToComm: make(map[int64]int64, len(nodeIDs))}
	for _, g := range groups {
		cid := g[0]
		level.Communities = append(level.Communities, Community{ID: cid, NodeIDs: g})
		for _, id := range g {
			level.NodeToComm[id] = cid
		}
	}
	return level
}

// toMetaGraph builds the next hierarchy level's node set and weighted
// adjacency: one node per community of lv, with edge weights summing every
// crossing edge of the finer adjacency finerAdj.
func (lv Level) toMetaGraph(finerAdj map[int64][]weightedEdge) ([]int64, map[int64][]weightedEdge, Level) {
	ids := make([]int64, len(lv.Communities))
	for i, c := range lv.Communities {
		ids[i] = c.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairWeight := make(map[[2]int64]float64)
	for from, list := range finerAdj {
		cf := lv.NodeToComm[from]
		for _, ed := range list {
			ct := lv.NodeToComm[ed.to]
			key := [2]int64{cf, ct}
			pairWeight[key] += ed.weight
		}
	}

	adj := make(map[int64][]weightedEdge)
	for key, w := range pairWeight {
		adj[key[0]] = append(adj[key[0]], weightedEdge{to: key[1], weight: w})
	}
	for id := range adj {
		sort.Slice(adj[id], func(i, j int) bool { return adj[id][i].to < adj[id][j].to })
	}
	return ids, adj, lv
}

// TopPageRank runs power-iteration PageRank to a fixed tolerance (capped at
// 100 iterations) over the engine's directed adjacency and returns the top
// fraction of node ids by rank, descending, tie-broken by ascending id.
func (e *Engine) TopPageRank(fraction float64) []int64 {
	n := len(e.nodeIDs)
	if n == 0 {
		return nil
	}
	rank := make(map[int64]float64, n)
	for _, id := range e.nodeIDs {
		rank[id] = 1.0 / float64(n)
	}
	const damping = 0.85
	const tol = 1e-6
	const maxIter = 100

	outDegree := make(map[int64]float64, n)
	for _, id := range e.nodeIDs {
		for _, nb := range e.directed[id] {
			outDegree[id] += nb.Weight
		}
	}

	for iter := 0; iter < maxIter; iter++ {
		next := make(map[int64]float64, n)
		var danglingMass float64
		for _, id := range e.nodeIDs {
			if outDegree[id] == 0 {
				danglingMass += rank[id]
			}
		}
		base := (1-damping)/float64(n) + damping*danglingMass/float64(n)
		for _, id := range e.nodeIDs {
			next[id] = base
		}
		for _, src := range e.nodeIDs {
			if outDegree[src] == 0 {
				continue
			}
			for _, nb := range e.directed[src] {
				next[nb.ID] += damping * rank[src] * nb.Weight / outDegree[src]
			}
		}

		var delta float64
		for _, id := range e.nodeIDs {
			delta += math.Abs(next[id] - rank[id])
		}
		rank = next
		if delta < tol {
			break
		}
	}

	type scored struct {
		id   int64
		rank float64
	}
	list := make([]scored, 0, n)
	for _, id := range e.nodeIDs {
		list = append(list, scored{id, rank[id]})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].rank != list[j].rank {
			return list[i].rank > list[j].rank
		}
		return list[i].id < list[j].id
	})

	top := int(fraction * float64(n))
	if top < 1 {
		top = 1
	}
	if top > n {
		top = n
	}
	out := make([]int64, top)
	for i := 0; i < top; i++ {
		out[i] = list[i].id
	}
	return out
}

// Summarizer maps a community's member nodes plus its bordering neighborhood
// to text. It must be deterministic: identical input, identical output.
type Summarizer func(nodes []domain.Node, neighborhood []domain.Node) string

// Summarize runs summarizer over community's member nodes and the nodes one
// hop outside it, both resolved via lookup and sorted by id.
func Summarize(c Community, e *Engine, lookup func(int64) (domain.Node, bool), summarizer Summarizer) string {
	members := make([]domain.Node, 0, len(c.NodeIDs))
	for _, id := range c.NodeIDs {
		if n, ok := lookup(id); ok {
			members = append(members, n)
		}
	}

	inCommunity := make(map[int64]bool, len(c.NodeIDs))
	for _, id := range c.NodeIDs {
		inCommunity[id] = true
	}
	borderSet := make(map[int64]bool)
	for _, id := range c.NodeIDs {
		for _, ed := range e.adj[id] {
			if !inCommunity[ed.to] {
				borderSet[ed.to] = true
			}
		}
	}
	borderIDs := make([]int64, 0, len(borderSet))
	for id := range borderSet {
		borderIDs = append(borderIDs, id)
	}
	sort.Slice(borderIDs, func(i, j int) bool { return borderIDs[i] < borderIDs[j] })

	neighborhood := make([]domain.Node, 0, len(borderIDs))
	for _, id := range borderIDs {
		if n, ok := lookup(id); ok {
			neighborhood = append(neighborhood, n)
		}
	}

	return summarizer(members, neighborhood)
}

// AddEdgeIncremental buffers an edge addition for the next RefreshIncremental
// instead of triggering a full Detect.
func (e *Engine) AddEdgeIncremental(edge domain.Edge) {
	e.pending = append(e.pending, edge)
	e.addEdge(edge.SourceID, edge.TargetID, edge.RelType, edge.Weight)
	for _, id := range []int64{edge.SourceID, edge.TargetID} {
		if _, ok := e.assignment[id]; !ok {
			e.assignment[id] = id
			e.nodeIDs = insertSorted(e.nodeIDs, id)
		}
	}
}

func insertSorted(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// RefreshIncremental re-runs a full Detect over the whole graph if any edges
// were buffered since the last refresh, and returns an empty Partition
// otherwise. The communities the buffered edges touch are collected only to
// tell whether anything is pending; the re-optimization is not restricted
// to them.
func (e *Engine) RefreshIncremental(resolution float64) Partition {
	touched := make(map[int64]bool)
	for _, ed := range e.pending {
		touched[e.assignment[ed.SourceID]] = true
		touched[e.assignment[ed.TargetID]] = true
	}
	e.pending = nil

	if len(touched) == 0 {
		return Partition{}
	}
	return e.Detect(resolution)
}
