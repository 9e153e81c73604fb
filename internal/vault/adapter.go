// Package vault implements the persistence adapter: it maps records to
// files (and back) through the codec and path resolver, on top of the
// storage provider's atomic primitives.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/codec"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/vaultpath"
)

// Adapter performs directory-scoped record persistence. It remembers where
// each record was last written so a category change becomes a file move, and
// it remembers the checksum of its own writes so watcher echoes of those
// writes can be recognized and ignored.
type Adapter struct {
	store  storage.Provider
	logger *slog.Logger

	mu      sync.Mutex
	paths   map[string]string // record id -> vault-relative path
	written map[string]string // path -> checksum of our last write
}

// New creates an adapter over the given provider.
func New(store storage.Provider, logger *slog.Logger) *Adapter {
	return &Adapter{
		store:   store,
		logger:  logger,
		paths:   make(map[string]string),
		written: make(map[string]string),
	}
}

// LoadAll enumerates every record file under the records tree, decodes each,
// and returns the well-formed ones. Read and decode failures on individual
// files are skipped and logged; they never abort the load. A missing records
// directory is an empty vault, not an error (the provider only surfaces
// not-exist for the tree root, per-file failures are handled inside List).
func (a *Adapter) LoadAll() ([]models.Record, error) {
	metas, err := a.store.List(vaultpath.RecordsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: load: %w", err)
	}

	var out []models.Record
	for _, m := range metas {
		data, err := a.store.Read(m.Path)
		if err != nil {
			a.logger.Warn("vault: load read failed",
				slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		rec, ok := codec.Decode(data)
		if !ok {
			a.logger.Warn("vault: skipping malformed record file", slog.String("path", m.Path))
			continue
		}
		a.remember(rec.ID, m.Path)
		out = append(out, rec)
	}
	return out, nil
}

// ReadOne reads and decodes a single record file. A missing file maps to
// apperr.ErrNotFound; a present file without valid frontmatter maps to
// apperr.ErrNoFrontmatter (fatal for explicit reads, unlike bulk load).
func (a *Adapter) ReadOne(path string) (models.Record, error) {
	data, err := a.store.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Record{}, apperr.ErrNotFound
		}
		return models.Record{}, err
	}
	rec, ok := codec.Decode(data)
	if !ok {
		return models.Record{}, fmt.Errorf("vault: %s: %w", path, apperr.ErrNoFrontmatter)
	}
	a.remember(rec.ID, path)
	return rec, nil
}

// WriteOne persists a record snapshot at its resolved path. When the record
// previously lived elsewhere (category transition) the old file is moved
// first so no orphan remains.
func (a *Adapter) WriteOne(rec models.Record) error {
	newPath := vaultpath.For(rec)
	data := codec.Encode(rec)

	a.mu.Lock()
	oldPath, hadOld := a.paths[rec.ID]
	a.mu.Unlock()

	if hadOld && oldPath != newPath {
		if err := a.store.Move(oldPath, newPath); err != nil {
			a.logger.Warn("vault: move failed, writing fresh copy",
				slog.String("from", oldPath), slog.String("to", newPath),
				slog.String("error", err.Error()))
		}
		a.forgetPath(oldPath)
	}

	if err := a.store.Write(newPath, data); err != nil {
		return fmt.Errorf("vault: write %s: %w", newPath, err)
	}

	a.mu.Lock()
	a.paths[rec.ID] = newPath
	a.written[newPath] = checksum.Sum(data)
	a.mu.Unlock()
	return nil
}

// DeleteOne removes the record's file. Deleting an already-absent file is
// not an error.
func (a *Adapter) DeleteOne(rec models.Record) error {
	a.mu.Lock()
	path, ok := a.paths[rec.ID]
	a.mu.Unlock()
	if !ok {
		path = vaultpath.For(rec)
	}

	err := a.store.Delete(path)
	a.forget(rec.ID, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vault: delete %s: %w", path, err)
	}
	return nil
}

// Stat exposes file metadata for conflict-timestamp comparisons.
func (a *Adapter) Stat(path string) (models.RecordMetadata, error) {
	return a.store.Stat(path)
}

// PathOf returns the last known path for a record id.
func (a *Adapter) PathOf(id string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.paths[id]
	return p, ok
}

// IDForPath returns the record id last seen at a path.
func (a *Adapter) IDForPath(path string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.paths {
		if p == path {
			return id, true
		}
	}
	return "", false
}

// IsSelfWrite reports whether the checksum of the content currently at path
// matches what this adapter last wrote there. Such watcher events are echoes
// of our own atomic writes, not external edits.
func (a *Adapter) IsSelfWrite(path, sum string) bool {
	a.mu.Lock()
	last := a.written[path]
	a.mu.Unlock()
	return checksum.Equal(last, sum)
}

// ForgetPath drops bookkeeping for a path after an external delete.
func (a *Adapter) ForgetPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.written, path)
	for id, p := range a.paths {
		if p == path {
			delete(a.paths, id)
		}
	}
}

// remember records where a decoded record currently lives. When a known id
// shows up at a new path (an external rename, or an edit that changed the
// slug) the file at the old path is superseded and removed so the id keeps
// mapping to exactly one file.
func (a *Adapter) remember(id, path string) {
	a.mu.Lock()
	old, had := a.paths[id]
	a.paths[id] = path
	if had && old != path {
		delete(a.written, old)
	}
	a.mu.Unlock()

	if had && old != path {
		if err := a.store.Delete(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("vault: failed to remove superseded file",
				slog.String("path", old), slog.String("error", err.Error()))
		}
	}
}

func (a *Adapter) forget(id, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paths, id)
	delete(a.written, path)
}

func (a *Adapter) forgetPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.written, path)
}
