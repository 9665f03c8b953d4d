package repository

import (
	"errors"
	"testing"

	"github.com/alayasiki/alayasiki/internal/domain"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(t.TempDir(), 2, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPutNode_ThenSearch(t *testing.T) {
	r := openRepo(t)
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	results, err := r.Search([]float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Errorf("results = %v, want [{1 ...}]", results)
	}
}

func TestPutEdge_ReferencingUnknownNode_IsRejected(t *testing.T) {
	r := openRepo(t)
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	err := r.PutEdge(domain.Edge{SourceID: 1, TargetID: 999, RelType: 1, Weight: 1.0})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestApplyIndexTransaction_AtomicHybridMutation(t *testing.T) {
	r := openRepo(t)
	muts := []domain.IndexMutation{
		domain.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}),
		domain.PutNode(domain.Node{ID: 2, Embedding: []float32{0, 1}}),
		domain.PutEdge(domain.Edge{SourceID: 1, TargetID: 2, RelType: 1, Weight: 1.0}),
	}
	if err := r.ApplyIndexTransaction(muts); err != nil {
		t.Fatalf("ApplyIndexTransaction: %v", err)
	}
	sg := r.Expand([]int64{1}, 1, nil)
	found := false
	for _, id := range sg.NodeIDs {
		if id == 2 {
			found = true
		}
	}
	if !found {
		t.Error("expected edge and both nodes applied atomically")
	}
}

func TestApplyIndexTransaction_RejectsWholeBatchOnOneBadEdge(t *testing.T) {
	r := openRepo(t)
	muts := []domain.IndexMutation{
		domain.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}),
		domain.PutEdge(domain.Edge{SourceID: 1, TargetID: 404, RelType: 1, Weight: 1.0}),
	}
	if err := r.ApplyIndexTransaction(muts); err == nil {
		t.Fatal("expected rejection due to edge referencing unknown node")
	}
	// node 1 must not have been journaled either: the whole batch failed validation.
	if _, ok := r.Node(1); ok {
		t.Error("node 1 should not exist: the batch was rejected before journaling")
	}
}

func TestDeleteNode_IsIdempotent(t *testing.T) {
	r := openRepo(t)
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if err := r.DeleteNode(1); err != nil {
		t.Fatalf("first DeleteNode: %v", err)
	}
	lsnAfterFirst := r.LastLSN()
	if err := r.DeleteNode(1); err != nil {
		t.Fatalf("second DeleteNode: %v", err)
	}
	if r.LastLSN() != lsnAfterFirst {
		t.Errorf("LastLSN advanced on idempotent delete: %d -> %d", lsnAfterFirst, r.LastLSN())
	}
}

func TestSnapshotThenReopen_RestoresSnapshotAndReplaysLaterWAL(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 2, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if _, err := r.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := r.PutNode(domain.Node{ID: 2, Embedding: []float32{0, 1}}); err != nil {
		t.Fatalf("PutNode 2: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(dir, 2, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	if _, ok := r2.Node(1); !ok {
		t.Error("node 1 (pre-snapshot) missing after reopen")
	}
	if _, ok := r2.Node(2); !ok {
		t.Error("node 2 (post-snapshot, WAL-replayed) missing after reopen")
	}
}

func TestSnapshot_IDMatchesLastLSN(t *testing.T) {
	r := openRepo(t)
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	lsnBeforeSnapshot := r.LastLSN()
	id, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := "snap-" + itoa(uint64(lsnBeforeSnapshot))
	if id != want {
		t.Errorf("Snapshot id = %q, want %q", id, want)
	}
}

func TestStats_ReflectsLiveAndTombstonedCounts(t *testing.T) {
	r := openRepo(t)
	if err := r.PutNode(domain.Node{ID: 1, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if err := r.PutNode(domain.Node{ID: 2, Embedding: []float32{0, 1}}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if err := r.DeleteNode(2); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	stats := r.Stats()
	if stats.LiveNodes != 1 {
		t.Errorf("LiveNodes = %d, want 1", stats.LiveNodes)
	}
	if stats.TombstonedNodes != 1 {
		t.Errorf("TombstonedNodes = %d, want 1", stats.TombstonedNodes)
	}
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
