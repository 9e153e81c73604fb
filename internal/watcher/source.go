package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Raw is a single low-level filesystem notification, before debouncing.
// Path is relative to the vault root, slash-separated.
type Raw struct {
	Path string
	Type EventType
}

// Source abstracts the platform notification feed so the debounce and
// reconciliation logic can be tested with synthesized events.
type Source interface {
	// Run delivers raw notifications to out until ctx is cancelled.
	Run(ctx context.Context, out chan<- Raw) error
}

// FSNotifySource watches a directory tree with fsnotify. Directories created
// at runtime are added to the watch list automatically.
type FSNotifySource struct {
	root   string
	logger *slog.Logger
}

// NewFSNotifySource creates a source rooted at the given absolute directory.
func NewFSNotifySource(root string, logger *slog.Logger) *FSNotifySource {
	return &FSNotifySource{root: root, logger: logger}
}

// Run starts the fsnotify watcher and pumps mapped events into out.
func (s *FSNotifySource) Run(ctx context.Context, out chan<- Raw) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, s.root); err != nil {
		return err
	}
	s.logger.Info("watcher: started", slog.String("root", s.root))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						s.logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					// Surface files that already landed in the new
					// directory before we started watching it.
					s.emitDirContents(ctx, absPath, out)
					continue
				}
			}

			raw, ok := s.mapEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// mapEvent converts an fsnotify op to the create/modify/delete contract.
// fsnotify fires Rename on the old path only; the new path arrives as a
// separate Create, so Rename maps to a deletion of the old path.
func (s *FSNotifySource) mapEvent(ev fsnotify.Event) (Raw, bool) {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil {
		return Raw{}, false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op&fsnotify.Create != 0:
		return Raw{Path: rel, Type: Created}, true
	case ev.Op&fsnotify.Write != 0:
		return Raw{Path: rel, Type: Modified}, true
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return Raw{Path: rel, Type: Deleted}, true
	}
	return Raw{}, false
}

func (s *FSNotifySource) emitDirContents(ctx context.Context, dir string, out chan<- Raw) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		select {
		case out <- Raw{Path: filepath.ToSlash(rel), Type: Created}:
		case <-ctx.Done():
			return filepath.SkipAll
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
}
