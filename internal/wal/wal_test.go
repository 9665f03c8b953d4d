package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alayasiki/alayasiki/internal/domain"
)

func tempWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func TestAppend_AssignsIncreasingLSNs(t *testing.T) {
	w, _ := tempWAL(t)
	lsn1, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: 1})}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	lsn2, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: 2})}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Errorf("lsn2 (%d) should be > lsn1 (%d)", lsn2, lsn1)
	}
	if lsn1 != 1 {
		t.Errorf("first LSN = %d, want 1", lsn1)
	}
}

func TestIterateFrom_ReturnsAppendedRecordsInOrder(t *testing.T) {
	w, _ := tempWAL(t)
	for i := int64(1); i <= 3; i++ {
		if _, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: i})}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	seq, err := w.IterateFrom(1)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	var gotIDs []int64
	for _, rec := range seq {
		gotIDs = append(gotIDs, rec.Mutations[0].Node.ID)
	}
	if len(gotIDs) != 3 {
		t.Fatalf("got %d records, want 3", len(gotIDs))
	}
	for i, id := range gotIDs {
		if id != int64(i+1) {
			t.Errorf("gotIDs[%d] = %d, want %d", i, id, i+1)
		}
	}
}

func TestIterateFrom_SkipsBeforeCutoff(t *testing.T) {
	w, _ := tempWAL(t)
	for i := int64(1); i <= 5; i++ {
		if _, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: i})}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	seq, err := w.IterateFrom(4)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	var count int
	for lsn := range seq {
		if lsn < 4 {
			t.Errorf("got LSN %d before cutoff 4", lsn)
		}
		count++
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestReopen_ReplaysAppendedRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: 42})}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	seq, err := w2.IterateFrom(1)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	var found bool
	for _, rec := range seq {
		if rec.Mutations[0].Node.ID == 42 {
			found = true
		}
	}
	if !found {
		t.Error("expected record with node id 42 to survive reopen")
	}
}

func TestOpen_TruncatesTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: 1})}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := segmentPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x00, 0xff, 0x01, 0x02}); err != nil {
		t.Fatalf("append torn bytes: %v", err)
	}
	f.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	defer w2.Close()

	seq, err := w2.IterateFrom(1)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	var count int
	for range seq {
		count++
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (torn record must be discarded)", count)
	}

	lsn, err := w2.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: 2})}})
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if lsn != 2 {
		t.Errorf("next LSN after recovery = %d, want 2", lsn)
	}
}

func TestTruncateTo_DropsRecordsAtOrBelowLSN(t *testing.T) {
	w, dir := tempWAL(t)
	for i := int64(1); i <= 4; i++ {
		if _, err := w.Append(Record{Kind: KindTxn, Mutations: []domain.IndexMutation{domain.PutNode(domain.Node{ID: i})}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.TruncateTo(2); err != nil {
		t.Fatalf("TruncateTo: %v", err)
	}

	seq, err := w.IterateFrom(1)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	var lsns []domain.LSN
	for lsn := range seq {
		lsns = append(lsns, lsn)
	}
	if len(lsns) != 2 {
		t.Fatalf("got %d records after truncate, want 2", len(lsns))
	}
	for _, lsn := range lsns {
		if lsn <= 2 {
			t.Errorf("found LSN %d, expected all <= 2 to be truncated", lsn)
		}
	}

	// segment file must still exist and be reopenable under the same path.
	if _, err := os.Stat(segmentPath(dir)); err != nil {
		t.Errorf("segment missing after truncate: %v", err)
	}
}

func TestOpen_CreatesDirIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "wal")
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected dir to be created: %v", err)
	}
}
