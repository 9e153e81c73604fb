// Package watcher turns noisy raw filesystem notifications into discrete,
// debounced create/modify/delete events for record files. A single logical
// save from an external editor can emit several low-level notifications;
// events are buffered per path for a short window and collapsed into the
// strongest single classification before being flushed as a batch.
package watcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// EventType classifies a debounced filesystem event.
type EventType string

const (
	Created  EventType = "created"
	Modified EventType = "modified"
	Deleted  EventType = "deleted"
)

// Event is one debounced change to a record file, path relative to the
// vault root.
type Event struct {
	Type EventType
	Path string
}

// DefaultWindow is the per-path buffering window for raw notifications.
const DefaultWindow = 200 * time.Millisecond

// tmpPrefix matches the storage provider's atomic-write temp files, which
// must never surface as record events.
const tmpPrefix = ".raido-tmp-"

// Watcher debounces a Source's raw feed into Events.
type Watcher struct {
	source Source
	logger *slog.Logger
	window time.Duration
	ext    string
	out    chan Event
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithWindow overrides the debounce window (tests use a short one).
func WithWindow(d time.Duration) Option {
	return func(w *Watcher) { w.window = d }
}

// New creates a watcher over the given source, filtering to the persistence
// file extension.
func New(source Source, ext string, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		source: source,
		logger: logger,
		window: DefaultWindow,
		ext:    ext,
		out:    make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is the debounced output feed. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.out }

// Run pumps the source until ctx is cancelled, debouncing into Events.
func (w *Watcher) Run(ctx context.Context) error {
	raws := make(chan Raw, 256)
	srcDone := make(chan error, 1)
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { srcDone <- w.source.Run(srcCtx, raws) }()

	// Buffered events keyed by path; flushTimer closes the window. The
	// timer is armed on the first buffered event and reset on each new
	// one, so a burst settles before anything is emitted.
	pendingByPath := make(map[string]EventType)
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	scheduleFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(w.window)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(w.window)
		}
	}

	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
		close(w.out)
	}()

	for {
		select {
		case <-ctx.Done():
			w.flush(ctx, pendingByPath)
			<-srcDone
			return nil

		case err := <-srcDone:
			w.flush(ctx, pendingByPath)
			return err

		case <-flushCh:
			w.flush(ctx, pendingByPath)

		case raw := <-raws:
			if !w.relevant(raw.Path) {
				continue
			}
			if prev, ok := pendingByPath[raw.Path]; ok {
				pendingByPath[raw.Path] = collapse(prev, raw.Type)
			} else {
				pendingByPath[raw.Path] = raw.Type
			}
			scheduleFlush()
		}
	}
}

// flush emits the buffered batch in deterministic path order and clears the
// buffer.
func (w *Watcher) flush(ctx context.Context, pending map[string]EventType) {
	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ev := Event{Type: pending[p], Path: p}
		delete(pending, p)
		w.logger.Debug("watcher: event",
			slog.String("path", ev.Path), slog.String("type", string(ev.Type)))
		// Prefer delivery while buffer space remains, so a flush during
		// shutdown still drains instead of racing the cancelled context.
		select {
		case w.out <- ev:
		default:
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	if strings.HasPrefix(base, tmpPrefix) || strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(path, w.ext)
}

// collapse merges two classifications for the same path inside one window:
// a terminal deletion beats everything, and a creation beats the
// modifications that typically trail it.
func collapse(old, incoming EventType) EventType {
	if old == Deleted || incoming == Deleted {
		return Deleted
	}
	if old == Created {
		return Created
	}
	return incoming
}
