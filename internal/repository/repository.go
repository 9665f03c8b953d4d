// Package repository is the durability choke point: every mutation flows
// validate -> journal (WAL) -> apply (Hyper-Index), and recovery on open
// replays the WAL on top of the latest snapshot.
package repository

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/alayasiki/alayasiki/internal/adjacency"
	"github.com/alayasiki/alayasiki/internal/annindex"
	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/hyperindex"
	"github.com/alayasiki/alayasiki/internal/snapshot"
	"github.com/alayasiki/alayasiki/internal/wal"
)

// Repository owns the WAL, the snapshot store, and the Hyper-Index, and
// serializes the validate -> journal -> apply sequence with one mutex.
// Hyper-Index's own lock additionally protects concurrent readers during
// Apply.
type Repository struct {
	mu  sync.Mutex
	log *slog.Logger

	dim int
	wal *wal.WAL
	snp *snapshot.Store
	hx  *hyperindex.HyperIndex

	lastLSN domain.LSN
	usable  bool
}

// Options configures Open.
type Options struct {
	Metric annindex.Metric
	Logger *slog.Logger
}

// Open loads the latest snapshot (if any) into a fresh Hyper-Index, then
// replays every WAL Txn record after that snapshot's LSN, and returns a ready
// Repository.
func Open(dir string, dim int, opts Options) (*Repository, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	w, err := wal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		return nil, fmt.Errorf("repository: open wal: %w", err)
	}
	snp, err := snapshot.Open(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("repository: open snapshots: %w", err)
	}

	hx := hyperindex.New(dim, opts.Metric)

	var fromLSN domain.LSN = 1
	if image, lsn, err := snp.ReadLatest(); err == nil {
		var img hyperindex.Image
		if derr := gob.NewDecoder(bytes.NewReader(image)).Decode(&img); derr != nil {
			return nil, fmt.Errorf("repository: decode snapshot image: %w", derr)
		}
		if rerr := hx.Restore(img); rerr != nil {
			return nil, fmt.Errorf("repository: restore snapshot: %w", rerr)
		}
		fromLSN = lsn + 1
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("repository: read snapshot: %w", err)
	}

	r := &Repository{log: log, dim: dim, wal: w, snp: snp, hx: hx, usable: true}

	it, err := w.IterateFrom(fromLSN)
	if err != nil {
		return nil, fmt.Errorf("repository: iterate wal: %w", err)
	}
	for lsn, rec := range it {
		if rec.Kind != wal.KindTxn {
			r.lastLSN = lsn
			continue
		}
		// Validation is skipped on replay: the WAL is the source of truth.
		if err := hx.Apply(rec.Mutations); err != nil {
			return nil, fmt.Errorf("repository: replay lsn %d: %w", lsn, err)
		}
		r.lastLSN = lsn
	}

	return r, nil
}

func (r *Repository) checkUsable() error {
	if !r.usable || r.hx.Corrupt() {
		return fmt.Errorf("%w: repository unusable after invariant breach", domain.ErrInternal)
	}
	return nil
}

// PutNode journals and applies a single PutNode mutation.
func (r *Repository) PutNode(n domain.Node) error {
	return r.ApplyIndexTransaction([]domain.IndexMutation{domain.PutNode(n)})
}

// PutEdge journals and applies a single PutEdge mutation.
func (r *Repository) PutEdge(e domain.Edge) error {
	return r.ApplyIndexTransaction([]domain.IndexMutation{domain.PutEdge(e)})
}

// DeleteNode journals and applies a single DeleteNode mutation. Deleting an
// already-tombstoned id is idempotent: it succeeds without a WAL write.
func (r *Repository) DeleteNode(id int64) error {
	return r.ApplyIndexTransaction([]domain.IndexMutation{domain.DeleteNode(id)})
}

// ApplyIndexTransaction runs the shared validate -> journal -> apply flow for
// an arbitrary mutation batch.
func (r *Repository) ApplyIndexTransaction(muts []domain.IndexMutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUsable(); err != nil {
		return err
	}

	muts, err := r.validate(muts)
	if err != nil {
		return err
	}
	if len(muts) == 0 {
		return nil // pure idempotent no-op (e.g. delete of an already-tombstoned id)
	}

	lsn, err := r.wal.Append(wal.Record{Kind: wal.KindTxn, Mutations: muts})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if err := r.wal.Flush(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	if err := r.hx.Apply(muts); err != nil {
		r.usable = false
		r.log.Error("hyper-index invariant breach, repository unusable", "lsn", lsn, "error", err)
		return err
	}
	r.lastLSN = lsn
	return nil
}

// validate checks the mutation list against the current projection (= live
// state plus effects staged earlier in this same list) and drops no-op
// deletes of already-tombstoned ids, per spec.md §4.6 step 1.
func (r *Repository) validate(muts []domain.IndexMutation) ([]domain.IndexMutation, error) {
	addedThisTxn := make(map[int64]bool)
	out := make([]domain.IndexMutation, 0, len(muts))

	for _, m := range muts {
		switch m.Kind {
		case domain.MutationPutNode:
			if len(m.Node.Embedding) != r.dim {
				return nil, domain.NewCodedError("Repository.ApplyIndexTransaction", domain.ErrInvalidArgument,
					"embedding_dim", fmt.Sprintf("%d", len(m.Node.Embedding)))
			}
			addedThisTxn[m.Node.ID] = true
			out = append(out, m)

		case domain.MutationPutEdge:
			srcVisible := r.hx.NodeVisible(m.Edge.SourceID) || addedThisTxn[m.Edge.SourceID]
			dstVisible := r.hx.NodeVisible(m.Edge.TargetID) || addedThisTxn[m.Edge.TargetID]
			if !srcVisible || !dstVisible {
				return nil, domain.NewCodedError("Repository.ApplyIndexTransaction", domain.ErrInvalidArgument,
					"edge", fmt.Sprintf("%d->%d", m.Edge.SourceID, m.Edge.TargetID))
			}
			out = append(out, m)

		case domain.MutationDeleteNode:
			if n, ok := r.hx.Node(m.DeleteID); ok && n.Tombstone {
				continue // idempotent: already tombstoned, no WAL record
			}
			out = append(out, m)

		default:
			return nil, fmt.Errorf("%w: unknown mutation kind %d", domain.ErrInvalidArgument, m.Kind)
		}
	}
	return out, nil
}

// Snapshot captures current state under the write mutex, persists it, then
// journals a SnapshotMarker for this LSN. On reopen, replay starts after the
// latest snapshot's LSN. Returns the canonical "snap-<LSN>" id.
func (r *Repository) Snapshot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUsable(); err != nil {
		return "", err
	}

	lsn := r.lastLSN
	img := r.hx.Snapshot(lsn)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&img); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	id, err := r.snp.Write(buf.Bytes(), lsn)
	if err != nil {
		return "", err
	}

	markerLSN, err := r.wal.Append(wal.Record{Kind: wal.KindSnapshotMarker, SnapshotID: id, SnapshotLSN: lsn})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if err := r.wal.Flush(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	r.lastLSN = markerLSN
	return id, nil
}

// LastLSN returns the LSN of the most recently applied mutation or marker,
// usable as a reproducibility pin ("snapshot_id" for jobs and queries).
func (r *Repository) LastLSN() domain.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLSN
}

// Search delegates to the Hyper-Index.
func (r *Repository) Search(query []float32, k int, filter func(int64) bool) ([]domain.ScoredID, error) {
	return r.hx.Search(query, k, filter)
}

// Neighbors delegates to the Hyper-Index.
func (r *Repository) Neighbors(id int64) []domain.Neighbor {
	return r.hx.Neighbors(id)
}

// Expand delegates to the Hyper-Index.
func (r *Repository) Expand(seeds []int64, maxHops int, relFilter map[int32]bool) adjacency.Subgraph {
	return r.hx.Expand(seeds, maxHops, relFilter)
}

// Node returns a node's current record, including tombstoned ones.
func (r *Repository) Node(id int64) (domain.Node, bool) {
	return r.hx.Node(id)
}

// LiveNodeIDs returns every non-tombstoned node id, ascending.
func (r *Repository) LiveNodeIDs() []int64 {
	return r.hx.LiveNodeIDs()
}

// Image returns an immutable copy of the current state, for callers
// (community detection) that need a stable view of the whole structure
// rather than the per-call Neighbors/Expand/Search accessors.
func (r *Repository) Image() hyperindex.Image {
	return r.hx.Snapshot(r.LastLSN())
}

// Stats reports deterministic, sorted aggregate counts over the current
// state — never ranges over a bare map for user-visible output, matching the
// teacher's own metrics-aggregation discipline.
type Stats struct {
	LiveNodes      int
	TombstonedNodes int
	EdgeCount      int
	LastLSN        domain.LSN
}

func (r *Repository) Stats() Stats {
	img := r.Image()
	var live, dead int
	ids := make([]int64, 0, len(img.Nodes))
	for _, n := range img.Nodes {
		ids = append(ids, n.ID)
		if n.Tombstone {
			dead++
		} else {
			live++
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return Stats{LiveNodes: live, TombstonedNodes: dead, EdgeCount: len(img.Edges), LastLSN: r.LastLSN()}
}

// Close flushes and closes the WAL.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wal.Close()
}
