// Package hyperindex composes the ANN index and graph adjacency behind one
// id-space and one mutual-exclusion boundary, so readers always observe
// either the complete pre-state or the complete post-state of a transaction.
package hyperindex

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alayasiki/alayasiki/internal/adjacency"
	"github.com/alayasiki/alayasiki/internal/annindex"
	"github.com/alayasiki/alayasiki/internal/domain"
)

// HyperIndex is the composite structure named in spec.md §4.5: one
// *annindex.Index and one *adjacency.Graph guarded by a single RWMutex, so
// the two are never independently lockable.
type HyperIndex struct {
	mu      sync.RWMutex
	ann     *annindex.Index
	graph   *adjacency.Graph
	nodes   map[int64]domain.Node
	corrupt bool
}

// New returns an empty HyperIndex over embeddings of the given dimension.
func New(dim int, metric annindex.Metric) *HyperIndex {
	return &HyperIndex{
		ann:   annindex.New(dim, annindex.Options{Metric: metric}),
		graph: adjacency.New(),
		nodes: make(map[int64]domain.Node),
	}
}

// Apply takes the write lock for the whole batch and applies every mutation
// in order. Per spec.md §4.5 this cannot fail once the caller has validated
// the batch; if an individual step does fail anyway, that is an invariant
// breach and the HyperIndex latches corrupt: this and every later Apply
// return ErrCorrupt. The read methods do not check the latch; Corrupt
// reports it.
func (hx *HyperIndex) Apply(muts []domain.IndexMutation) error {
	hx.mu.Lock()
	defer hx.mu.Unlock()

	if hx.corrupt {
		return domain.ErrCorrupt
	}

	for _, m := range muts {
		if err := hx.applyOneLocked(m); err != nil {
			hx.corrupt = true
			return fmt.Errorf("%w: %v", domain.ErrCorrupt, err)
		}
	}
	return nil
}

func (hx *HyperIndex) applyOneLocked(m domain.IndexMutation) error {
	switch m.Kind {
	case domain.MutationPutNode:
		if err := hx.ann.Insert(m.Node.ID, m.Node.Embedding); err != nil {
			return err
		}
		hx.nodes[m.Node.ID] = m.Node
		return nil

	case domain.MutationPutEdge:
		hx.graph.AddEdge(m.Edge.SourceID, m.Edge.TargetID, m.Edge.RelType, m.Edge.Weight)
		return nil

	case domain.MutationDeleteNode:
		n, ok := hx.nodes[m.DeleteID]
		if !ok {
			n = domain.Node{ID: m.DeleteID}
		}
		n.Tombstone = true
		hx.nodes[m.DeleteID] = n
		hx.ann.Delete(m.DeleteID)
		hx.graph.RemoveNodeEdges(m.DeleteID)
		return nil

	default:
		return fmt.Errorf("hyperindex: unknown mutation kind %d", m.Kind)
	}
}

// Corrupt reports whether an earlier Apply hit an invariant breach.
func (hx *HyperIndex) Corrupt() bool {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	return hx.corrupt
}

// NodeVisible reports whether id refers to a live (non-tombstoned) node.
func (hx *HyperIndex) NodeVisible(id int64) bool {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	n, ok := hx.nodes[id]
	return ok && !n.Tombstone
}

// Node returns id's current record and whether it exists at all (including
// tombstoned).
func (hx *HyperIndex) Node(id int64) (domain.Node, bool) {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	n, ok := hx.nodes[id]
	return n, ok
}

// Search runs an ANN query restricted to live nodes, plus any caller filter.
func (hx *HyperIndex) Search(query []float32, k int, filter func(int64) bool) ([]domain.ScoredID, error) {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	return hx.ann.Search(query, k, func(id int64) bool {
		n, ok := hx.nodes[id]
		if !ok || n.Tombstone {
			return false
		}
		if filter != nil {
			return filter(id)
		}
		return true
	})
}

// Neighbors returns id's live outgoing adjacency.
func (hx *HyperIndex) Neighbors(id int64) []domain.Neighbor {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	return hx.graph.Neighbors(id)
}

// Expand runs deterministic BFS expansion from seeds.
func (hx *HyperIndex) Expand(seeds []int64, maxHops int, relFilter map[int32]bool) adjacency.Subgraph {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	return hx.graph.Expand(seeds, maxHops, relFilter)
}

// Image is the gob-serializable snapshot of the HyperIndex's current state:
// every node record (tombstones included, so recovery can suppress
// resurrected inserts by id precedence) and every live edge.
type Image struct {
	LSN   domain.LSN
	Nodes []domain.Node
	Edges []domain.Edge
}

// Snapshot returns a deterministic Image of the current state under the read
// lock. Nodes are sorted ascending by id so the same state always serializes
// identically.
func (hx *HyperIndex) Snapshot(lsn domain.LSN) Image {
	hx.mu.RLock()
	defer hx.mu.RUnlock()

	img := Image{LSN: lsn}
	ids := make([]int64, 0, len(hx.nodes))
	for id := range hx.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n := hx.nodes[id]
		img.Nodes = append(img.Nodes, n)
		if n.Tombstone {
			continue
		}
		for _, nb := range hx.graph.Neighbors(id) {
			img.Edges = append(img.Edges, domain.Edge{
				SourceID: id, TargetID: nb.ID, RelType: nb.RelType, Weight: nb.Weight,
			})
		}
	}
	return img
}

// Restore rebuilds ann/graph/nodes from img, replacing current state. Used
// when loading a snapshot before WAL replay.
func (hx *HyperIndex) Restore(img Image) error {
	hx.mu.Lock()
	defer hx.mu.Unlock()

	for id := range hx.nodes {
		hx.ann.Delete(id)
	}
	hx.graph = adjacency.New()
	hx.nodes = make(map[int64]domain.Node, len(img.Nodes))
	for _, n := range img.Nodes {
		hx.nodes[n.ID] = n
		if !n.Tombstone {
			if err := hx.ann.Insert(n.ID, n.Embedding); err != nil {
				return err
			}
		}
	}
	for _, e := range img.Edges {
		hx.graph.AddEdge(e.SourceID, e.TargetID, e.RelType, e.Weight)
	}
	return nil
}

// LiveNodeIDs returns every non-tombstoned node id, ascending.
func (hx *HyperIndex) LiveNodeIDs() []int64 {
	hx.mu.RLock()
	defer hx.mu.RUnlock()
	ids := make([]int64, 0, len(hx.nodes))
	for id, n := range hx.nodes {
		if !n.Tombstone {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
