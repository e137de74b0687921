// Package catalog maintains the shared-file catalog: the immediate
// regular-file children of one shared directory. Snapshots are immutable
// and swapped atomically on refresh; refresh happens on demand when a
// peer sends Discover, never on the transfer hot path.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/transfer"
	"github.com/navicore/zimsync/pkg/models"
)

// Snapshot is one immutable view of the shared directory.
type Snapshot struct {
	Files       []models.FileMetadata
	TotalSize   int64
	RefreshedAt time.Time
}

// Catalog scans a shared directory and serves lookups by file ID. File
// IDs stay stable across refreshes as long as a file's size and mtime
// are unchanged, so in-flight requests keep resolving.
type Catalog struct {
	dir string
	log zerolog.Logger

	mu       sync.RWMutex
	snapshot Snapshot
	byID     map[uuid.UUID]string // file ID -> absolute path
	known    map[string]models.FileMetadata
}

// New creates a catalog over dir. The directory must already exist.
func New(dir string, log zerolog.Logger) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("shared directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shared directory %s is not a directory", dir)
	}
	return &Catalog{
		dir:   dir,
		log:   log.With().Str("component", "catalog").Logger(),
		byID:  make(map[uuid.UUID]string),
		known: make(map[string]models.FileMetadata),
	}, nil
}

// Dir returns the shared directory path.
func (c *Catalog) Dir() string { return c.dir }

// Refresh re-enumerates the shared directory, non-recursively, skipping
// hidden entries and subdirectories, and swaps in a new snapshot.
func (c *Catalog) Refresh() (Snapshot, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read shared directory: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{RefreshedAt: time.Now()}
	byID := make(map[uuid.UUID]string, len(entries))
	known := make(map[string]models.FileMetadata, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		path := filepath.Join(c.dir, name)

		// Unchanged files keep their metadata and ID; only new or
		// modified files are re-hashed.
		if prev, ok := c.known[name]; ok &&
			prev.Size == info.Size() && prev.Modified.Equal(info.ModTime()) {
			snap.Files = append(snap.Files, prev)
			snap.TotalSize += prev.Size
			byID[prev.ID] = path
			known[name] = prev
			continue
		}

		meta, err := transfer.PrepareFileForTransfer(path)
		if err != nil {
			c.log.Warn().Err(err).Str("file", name).Msg("skipping unreadable shared file")
			continue
		}
		snap.Files = append(snap.Files, meta)
		snap.TotalSize += meta.Size
		byID[meta.ID] = path
		known[name] = meta
	}

	c.snapshot = snap
	c.byID = byID
	c.known = known
	c.log.Debug().Int("files", len(snap.Files)).Int64("total", snap.TotalSize).Msg("catalog refreshed")
	return snap, nil
}

// Snapshot returns the current catalog view without touching the disk.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Lookup resolves a file ID to its metadata and on-disk path.
func (c *Catalog) Lookup(id uuid.UUID) (models.FileMetadata, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path, ok := c.byID[id]
	if !ok {
		return models.FileMetadata{}, "", false
	}
	for _, meta := range c.snapshot.Files {
		if meta.ID == id {
			return meta, path, true
		}
	}
	return models.FileMetadata{}, "", false
}

// AvailableSpace reports the free bytes on the volume holding the shared
// directory, for Announce packets.
func (c *Catalog) AvailableSpace() int64 {
	n, err := availableSpace(c.dir)
	if err != nil {
		c.log.Warn().Err(err).Msg("statfs failed; reporting zero free space")
		return 0
	}
	return n
}
