package snapshot

import (
	"errors"
	"os"
	"testing"

	"github.com/alayasiki/alayasiki/internal/domain"
)

func TestID_Format(t *testing.T) {
	if got, want := ID(42), "snap-42"; got != want {
		t.Errorf("ID(42) = %q, want %q", got, want)
	}
}

func TestWriteThenReadLatest_RoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := []byte("a gob-encoded repository image")
	id, err := s.Write(want, 7)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id != "snap-7" {
		t.Errorf("Write id = %q, want snap-7", id)
	}

	got, lsn, err := s.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadLatest image = %q, want %q", got, want)
	}
	if lsn != 7 {
		t.Errorf("ReadLatest lsn = %d, want 7", lsn)
	}
}

func TestReadLatest_PicksHighestLSN(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, lsn := range []domain.LSN{3, 10, 5} {
		if _, err := s.Write([]byte{byte(lsn)}, lsn); err != nil {
			t.Fatalf("Write(%d): %v", lsn, err)
		}
	}
	_, lsn, err := s.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if lsn != 10 {
		t.Errorf("ReadLatest lsn = %d, want 10", lsn)
	}
}

func TestReadLatest_NoSnapshots_ReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _, err = s.ReadLatest()
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ReadLatest err = %v, want ErrNotFound", err)
	}
}

func TestReadLatest_SkipsCorruptCandidateAndFallsBackToNextHighest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write([]byte("good-5"), 5); err != nil {
		t.Fatalf("Write(5): %v", err)
	}
	if _, err := s.Write([]byte("good-9-then-corrupted"), 9); err != nil {
		t.Fatalf("Write(9): %v", err)
	}

	// corrupt the meta sidecar of the highest snapshot.
	if err := os.WriteFile(s.metaPath(9), []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}

	image, lsn, err := s.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if lsn != 5 {
		t.Errorf("ReadLatest fell back to lsn %d, want 5", lsn)
	}
	if string(image) != "good-5" {
		t.Errorf("ReadLatest image = %q, want good-5", image)
	}
}

func TestWrite_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write([]byte("x"), 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if len(e.Name()) >= 4 && e.Name()[len(e.Name())-4:] == ".tmp" {
			t.Errorf("found leftover temp file %q", e.Name())
		}
	}
}
