// Package snapshot persists point-in-time repository images to disk using
// the same stage-then-rename discipline the WAL segment uses for its own
// compaction, so a crash mid-write never leaves a partially-written snapshot
// visible to ReadLatest.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alayasiki/alayasiki/internal/domain"
)

// Meta is the sidecar JSON document written alongside each image file.
type Meta struct {
	SnapshotID string    `json:"snapshot_id"`
	LSN        uint64    `json:"lsn"`
	CreatedAt  time.Time `json:"created_at_rfc3339"`
}

// Store manages snapshot image files under a single directory.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// ID formats the canonical snapshot identifier for an LSN. This is the one
// name space used throughout the repo: job payloads pin the same
// "snap-<LSN>" string rather than a second "wal-lsn-<LSN>" form.
func ID(lsn domain.LSN) string {
	return fmt.Sprintf("snap-%d", uint64(lsn))
}

func (s *Store) imgPath(lsn domain.LSN) string  { return filepath.Join(s.dir, ID(lsn)+".img") }
func (s *Store) metaPath(lsn domain.LSN) string { return filepath.Join(s.dir, ID(lsn)+".img.meta") }

// Write stages image to a temp file, fsyncs it, writes the META sidecar, then
// renames both into place. Returns the canonical snapshot id.
func (s *Store) Write(image []byte, lsn domain.LSN) (string, error) {
	imgTmp := s.imgPath(lsn) + ".tmp"
	if err := writeFileSynced(imgTmp, image); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	meta := Meta{SnapshotID: ID(lsn), LSN: uint64(lsn), CreatedAt: time.Now().UTC()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		os.Remove(imgTmp)
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	metaTmp := s.metaPath(lsn) + ".tmp"
	if err := writeFileSynced(metaTmp, metaBytes); err != nil {
		os.Remove(imgTmp)
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	if err := os.Rename(imgTmp, s.imgPath(lsn)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if err := os.Rename(metaTmp, s.metaPath(lsn)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	return meta.SnapshotID, nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadLatest scans the store for the highest-LSN snapshot whose image and
// meta sidecar are both present and well-formed, and returns its image.
// Returns domain.ErrNotFound if no valid snapshot exists.
func (s *Store) ReadLatest() ([]byte, domain.LSN, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	var lsns []domain.LSN
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".img") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".img")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		lsns = append(lsns, domain.LSN(n))
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] > lsns[j] })

	for _, lsn := range lsns {
		image, meta, err := s.readOne(lsn)
		if err != nil {
			continue // corrupt candidate, try the next-highest
		}
		return image, domain.LSN(meta.LSN), nil
	}
	return nil, 0, domain.ErrNotFound
}

func (s *Store) readOne(lsn domain.LSN) ([]byte, Meta, error) {
	image, err := os.ReadFile(s.imgPath(lsn))
	if err != nil {
		return nil, Meta{}, err
	}
	metaBytes, err := os.ReadFile(s.metaPath(lsn))
	if err != nil {
		return nil, Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, Meta{}, err
	}
	if meta.SnapshotID != ID(lsn) || meta.LSN != uint64(lsn) {
		return nil, Meta{}, fmt.Errorf("snapshot: meta/id mismatch for %s", ID(lsn))
	}
	return image, meta, nil
}
