// Package annindex implements an in-memory approximate-nearest-neighbour
// index over node embeddings: a flat, single-layer HNSW-style graph built by
// greedy nearest-neighbour insertion with a bounded candidate list, so new
// vectors are absorbed incrementally without a full rebuild.
package annindex

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alayasiki/alayasiki/internal/domain"
)

// Metric selects the similarity function used for both construction and
// search. Higher is always "more similar" regardless of which metric is
// configured.
type Metric int

const (
	// Cosine is the default: cosine similarity of the two embeddings.
	Cosine Metric = iota
	// InnerProduct uses the raw dot product, for callers whose embeddings
	// are already normalized and want to skip cosine's extra division.
	InnerProduct
)

type node struct {
	embedding []float32
	neighbors []int64 // sorted descending by similarity to this node, capped at M
}

// Index is a mutable ANN structure keyed by int64 node id.
type Index struct {
	mu             sync.RWMutex
	dim            int
	metric         Metric
	m              int // max neighbors per node
	efConstruction int
	efSearch       int
	entry          int64
	hasEntry       bool
	nodes          map[int64]*node
}

// Options configures a new Index. Zero values fall back to sane defaults.
type Options struct {
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
}

func (o Options) withDefaults() Options {
	if o.M <= 0 {
		o.M = 16
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = 64
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 64
	}
	return o
}

// New returns an Index over embeddings of length dim.
func New(dim int, opts Options) *Index {
	opts = opts.withDefaults()
	return &Index{
		dim:            dim,
		metric:         opts.Metric,
		m:              opts.M,
		efConstruction: opts.EfConstruction,
		efSearch:       opts.EfSearch,
		nodes:          make(map[int64]*node),
	}
}

func (ix *Index) similarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if ix.metric == InnerProduct {
		return dot
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// Insert upserts id's embedding. Re-inserting an identical embedding is a
// graph-structure no-op; inserting a changed embedding is last-writer-wins
// and rebuilds id's neighbor list.
func (ix *Index) Insert(id int64, embedding []float32) error {
	if len(embedding) != ix.dim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", domain.ErrInvalidArgument, len(embedding), ix.dim)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.nodes[id]; ok && sameEmbedding(existing.embedding, embedding) {
		return nil
	}

	n := &node{embedding: append([]float32(nil), embedding...)}
	ix.nodes[id] = n

	if !ix.hasEntry {
		ix.entry = id
		ix.hasEntry = true
		return nil
	}

	candidates := ix.greedySearch(embedding, ix.efConstruction, id, nil)
	neighborIDs := make([]int64, 0, ix.m)
	for i := 0; i < len(candidates) && i < ix.m; i++ {
		neighborIDs = append(neighborIDs, candidates[i].ID)
	}
	n.neighbors = neighborIDs

	for _, nb := range neighborIDs {
		ix.linkBack(nb, id, embedding)
	}
	return nil
}

func sameEmbedding(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// linkBack inserts newID into nb's neighbor list if it ranks within the top M
// by similarity to nb, keeping the list sorted descending.
func (ix *Index) linkBack(nb, newID int64, newEmbedding []float32) {
	other, ok := ix.nodes[nb]
	if !ok {
		return
	}
	sim := ix.similarity(other.embedding, newEmbedding)

	type scored struct {
		id  int64
		sim float64
	}
	list := make([]scored, 0, len(other.neighbors)+1)
	for _, id := range other.neighbors {
		if id == newID {
			return
		}
		if existing, ok := ix.nodes[id]; ok {
			list = append(list, scored{id, ix.similarity(other.embedding, existing.embedding)})
		}
	}
	list = append(list, scored{newID, sim})
	sort.Slice(list, func(i, j int) bool { return list[i].sim > list[j].sim })
	if len(list) > ix.m {
		list = list[:ix.m]
	}
	ids := make([]int64, len(list))
	for i, s := range list {
		ids[i] = s.id
	}
	other.neighbors = ids
}

// Delete removes id and prunes it from every neighbor list referencing it.
func (ix *Index) Delete(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.nodes[id]; !ok {
		return
	}
	delete(ix.nodes, id)

	for _, n := range ix.nodes {
		if idx := indexOf(n.neighbors, id); idx >= 0 {
			n.neighbors = append(n.neighbors[:idx], n.neighbors[idx+1:]...)
		}
	}

	if ix.hasEntry && ix.entry == id {
		ix.hasEntry = false
		for otherID := range ix.nodes {
			ix.entry = otherID
			ix.hasEntry = true
			break
		}
	}
}

func indexOf(s []int64, v int64) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Search returns up to k ids ordered descending by similarity to query.
// filter, if non-nil, is applied during the graph walk so that k results are
// still returned as long as enough candidates pass it.
func (ix *Index) Search(query []float32, k int, filter func(id int64) bool) ([]domain.ScoredID, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query dimension %d, want %d", domain.ErrInvalidArgument, len(query), ix.dim)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := ix.greedySearch(query, maxInt(ix.efSearch, k), -1, filter)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]domain.ScoredID, len(candidates))
	for i, c := range candidates {
		out[i] = domain.ScoredID{ID: c.ID, Score: c.Score}
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// greedySearch performs best-first search from the fixed entry point,
// expanding through each visited node's neighbor list. excludeID, if >= 0, is
// never returned (used during Insert to avoid self-linking). filter, if
// non-nil, restricts which ids are collected as results, but the walk still
// traverses filtered-out nodes so it can reach passing ones beyond them.
func (ix *Index) greedySearch(query []float32, ef int, excludeID int64, filter func(int64) bool) []domain.ScoredID {
	if !ix.hasEntry {
		return nil
	}

	type cand struct {
		id  int64
		sim float64
	}
	visited := map[int64]bool{}
	var results []cand

	entryNode, ok := ix.nodes[ix.entry]
	if !ok {
		return nil
	}
	frontier := []cand{{ix.entry, ix.similarity(entryNode.embedding, query)}}
	visited[ix.entry] = true

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].sim > frontier[j].sim })
		current := frontier[0]
		frontier = frontier[1:]

		if current.id != excludeID && (filter == nil || filter(current.id)) {
			results = append(results, current)
		}

		n := ix.nodes[current.id]
		for _, nbID := range n.neighbors {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nbNode, ok := ix.nodes[nbID]
			if !ok {
				continue
			}
			frontier = append(frontier, cand{nbID, ix.similarity(nbNode.embedding, query)})
		}

		if len(visited) >= ef && len(frontier) == 0 {
			break
		}
		if len(results) >= ef {
			break
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].sim > results[j].sim })
	out := make([]domain.ScoredID, len(results))
	for i, r := range results {
		out[i] = domain.ScoredID{ID: r.id, Score: r.sim}
	}
	return out
}

// Len returns the number of live entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}
