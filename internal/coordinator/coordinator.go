// Package coordinator owns the record stores, wires the directory watcher
// to them, and manages startup and shutdown. It is the only layer that
// turns a conflict into something user-visible; lower layers never wait for
// resolution input.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/reconcile"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/store"
	"github.com/starford/raido/internal/vault"
	"github.com/starford/raido/internal/vaultpath"
	"github.com/starford/raido/internal/watcher"
)

// ConflictEventType distinguishes detection from resolution.
type ConflictEventType string

const (
	ConflictDetected ConflictEventType = "detected"
	ConflictResolved ConflictEventType = "resolved"
)

// ConflictEvent is published when a conflict is detected or resolved.
type ConflictEvent struct {
	Type       ConflictEventType
	Descriptor reconcile.Descriptor
	Resolution reconcile.Resolution // set on resolved events
}

// Coordinator owns one store per record kind and the watcher feeding them.
type Coordinator struct {
	root    string
	logger  *slog.Logger
	storeFS storage.Provider
	adapter *vault.Adapter
	stores  map[models.Kind]*store.Store

	source   watcher.Source
	window   time.Duration
	debounce time.Duration
	sched    store.Scheduler

	cancel  context.CancelFunc
	watchWG sync.WaitGroup

	conflictMu sync.Mutex
	conflicts  map[string]reconcile.Descriptor // record id -> open conflict

	subMu    sync.Mutex
	recSubs  map[int]chan store.Event
	confSubs map[int]chan ConflictEvent
	nextSub  int
	cancels  []func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSource injects the watcher source (tests synthesize events).
func WithSource(src watcher.Source) Option {
	return func(c *Coordinator) { c.source = src }
}

// WithWindow overrides the watcher debounce window.
func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.window = d }
}

// WithDebounce overrides the store write-coalescing delay.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// WithScheduler injects the write scheduler used by every store.
func WithScheduler(s store.Scheduler) Option {
	return func(c *Coordinator) { c.sched = s }
}

// New constructs an unstarted coordinator rooted at the given vault
// directory. Callers must run Initialize before any store access.
func New(root string, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		root:      root,
		logger:    logger,
		window:    watcher.DefaultWindow,
		debounce:  store.DefaultDebounce,
		sched:     store.NewTimerScheduler(),
		stores:    map[models.Kind]*store.Store{},
		conflicts: map[string]reconcile.Descriptor{},
		recSubs:   map[int]chan store.Event{},
		confSubs:  map[int]chan ConflictEvent{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize ensures the directory structure, bulk-loads every store, and
// starts the watcher. A failure to create the vault tree is fatal.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(c.root, vaultpath.RecordsDir), 0o755); err != nil {
		return fmt.Errorf("coordinator: create vault structure: %w", err)
	}

	fsProvider, err := storage.NewFS(c.root, c.logger)
	if err != nil {
		return fmt.Errorf("coordinator: init storage: %w", err)
	}
	c.storeFS = fsProvider
	c.adapter = vault.New(fsProvider, c.logger)

	storeOpts := []store.Option{
		store.WithScheduler(c.sched),
		store.WithDebounce(c.debounce),
	}
	c.stores[models.KindTask] = store.New(models.KindTask, c.adapter, c.logger, storeOpts...)
	c.stores[models.KindBoard] = store.New(models.KindBoard, c.adapter, c.logger,
		append(storeOpts, store.WithBuiltins(models.DefaultBoards()))...)

	// One directory scan feeds every store; each picks out its own kind.
	recs, err := c.adapter.LoadAll()
	if err != nil {
		return fmt.Errorf("coordinator: load records: %w", err)
	}
	for kind, st := range c.stores {
		if err := st.Load(recs); err != nil {
			return fmt.Errorf("coordinator: load %s records: %w", kind, err)
		}
		c.fanInStore(st)
	}

	if c.source == nil {
		c.source = watcher.NewFSNotifySource(fsProvider.Root(), c.logger)
	}
	w := watcher.New(c.source, vaultpath.Ext, c.logger, watcher.WithWindow(c.window))

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.watchWG.Add(2)
	go func() {
		defer c.watchWG.Done()
		if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("coordinator: watcher stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer c.watchWG.Done()
		for ev := range w.Events() {
			c.handle(ev)
		}
	}()

	return nil
}

// Shutdown stops the watcher, cancels all pending tickets, and flushes
// every store. It is the only path that guarantees full durability and must
// run on every termination path.
func (c *Coordinator) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
		c.watchWG.Wait()
	}

	var errs error
	for kind, st := range c.stores {
		if err := st.SaveAll(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("flush %s store: %w", kind, err))
		}
		st.Close()
	}

	c.subMu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	for id, ch := range c.recSubs {
		close(ch)
		delete(c.recSubs, id)
	}
	for id, ch := range c.confSubs {
		close(ch)
		delete(c.confSubs, id)
	}
	c.subMu.Unlock()
	return errs
}

// StoreFor returns the store owning the given record kind.
func (c *Coordinator) StoreFor(kind models.Kind) (*store.Store, bool) {
	st, ok := c.stores[kind]
	return st, ok
}

// Tasks returns the task store.
func (c *Coordinator) Tasks() *store.Store { return c.stores[models.KindTask] }

// Boards returns the board store.
func (c *Coordinator) Boards() *store.Store { return c.stores[models.KindBoard] }

// --- External change handling ---

func (c *Coordinator) handle(ev watcher.Event) {
	switch ev.Type {
	case watcher.Deleted:
		c.handleDelete(ev.Path)
	case watcher.Created, watcher.Modified:
		c.handleUpsert(ev.Path)
	}
}

func (c *Coordinator) handleDelete(path string) {
	id, ok := c.adapter.IDForPath(path)
	if !ok {
		return
	}
	c.adapter.ForgetPath(path)
	for _, st := range c.stores {
		st.DeleteExternal(id)
	}
	c.dropConflict(id)
	c.logger.Info("coordinator: external delete applied",
		slog.String("path", path), slog.String("id", id))
}

func (c *Coordinator) handleUpsert(path string) {
	meta, err := c.adapter.Stat(path)
	if err != nil {
		// The file vanished between the event and now; the trailing
		// delete event will handle it.
		return
	}
	if c.adapter.IsSelfWrite(path, meta.Checksum) {
		return
	}

	rec, err := c.adapter.ReadOne(path)
	if err != nil {
		c.logger.Warn("coordinator: ignoring unreadable external file",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	st, ok := c.stores[rec.Kind]
	if !ok {
		c.logger.Warn("coordinator: unknown record kind",
			slog.String("path", path), slog.String("kind", string(rec.Kind)))
		return
	}

	memRec, exists := st.ByID(rec.ID)
	var memMod time.Time
	if exists {
		memMod = memRec.Modified
	}

	switch reconcile.Classify(exists, meta.UpdatedAt, memMod, st.HasPending(rec.ID)) {
	case reconcile.SafeUpdate:
		st.ApplyExternal(rec)
		c.logger.Info("coordinator: external change applied",
			slog.String("path", path), slog.String("id", rec.ID))

	case reconcile.Conflict:
		desc := reconcile.Descriptor{
			ID:         rec.ID,
			Kind:       rec.Kind,
			Path:       path,
			MemModTime: memMod,
			DiskMod:    meta.UpdatedAt,
			DetectedAt: time.Now().UTC(),
		}
		c.conflictMu.Lock()
		c.conflicts[rec.ID] = desc
		c.conflictMu.Unlock()
		c.notifyConflict(ConflictEvent{Type: ConflictDetected, Descriptor: desc})
		c.logger.Warn("coordinator: conflict detected",
			slog.String("path", path), slog.String("id", rec.ID))

	case reconcile.Ignore:
		// Stale notification or an echo that slipped past the checksum.
	}
}

// --- Conflict surface ---

// Conflicts returns the open conflict descriptors.
func (c *Coordinator) Conflicts() []reconcile.Descriptor {
	c.conflictMu.Lock()
	defer c.conflictMu.Unlock()
	out := make([]reconcile.Descriptor, 0, len(c.conflicts))
	for _, d := range c.conflicts {
		out = append(out, d)
	}
	return out
}

// Resolve settles an open conflict. KeepDisk re-reads the file and replaces
// the in-memory record; KeepMemory writes the in-memory record through at
// its canonical resolved path. When the external edit landed the record at
// a different path (a slug-changing title edit), the write-through moves
// that file to the canonical path, so the conflicting copy is consumed
// rather than left behind.
func (c *Coordinator) Resolve(id string, res reconcile.Resolution) error {
	if !res.Valid() {
		return fmt.Errorf("coordinator: unknown resolution %q", res)
	}
	c.conflictMu.Lock()
	desc, ok := c.conflicts[id]
	c.conflictMu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: open conflict for %s: %w", id, apperr.ErrNotFound)
	}
	st, haveStore := c.stores[desc.Kind]
	if !haveStore {
		return fmt.Errorf("coordinator: no store for kind %s", desc.Kind)
	}

	switch res {
	case reconcile.KeepDisk:
		rec, err := c.adapter.ReadOne(desc.Path)
		if err != nil {
			return fmt.Errorf("coordinator: re-read %s: %w", desc.Path, err)
		}
		// Discard the local pending write before installing the disk copy.
		st.CancelPending(rec.ID)
		st.ApplyExternal(rec)
	case reconcile.KeepMemory:
		if err := st.SaveNow(desc.ID); err != nil {
			return fmt.Errorf("coordinator: overwrite %s: %w", desc.Path, err)
		}
	}

	c.dropConflict(id)
	c.notifyConflict(ConflictEvent{Type: ConflictResolved, Descriptor: desc, Resolution: res})
	return nil
}

func (c *Coordinator) dropConflict(id string) {
	c.conflictMu.Lock()
	delete(c.conflicts, id)
	c.conflictMu.Unlock()
}

// --- Subscriptions ---

// SubscribeRecords fans in change events from every store.
func (c *Coordinator) SubscribeRecords() (<-chan store.Event, func()) {
	ch := make(chan store.Event, 128)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.recSubs[id] = ch
	c.subMu.Unlock()
	return ch, func() { c.unsubscribeRecord(id) }
}

// SubscribeConflicts delivers conflict detection and resolution events.
func (c *Coordinator) SubscribeConflicts() (<-chan ConflictEvent, func()) {
	ch := make(chan ConflictEvent, 32)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.confSubs[id] = ch
	c.subMu.Unlock()
	return ch, func() { c.unsubscribeConflict(id) }
}

func (c *Coordinator) unsubscribeRecord(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.recSubs[id]; ok {
		delete(c.recSubs, id)
		close(ch)
	}
}

func (c *Coordinator) unsubscribeConflict(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.confSubs[id]; ok {
		delete(c.confSubs, id)
		close(ch)
	}
}

func (c *Coordinator) fanInStore(st *store.Store) {
	events, cancel := st.Subscribe()
	c.subMu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.subMu.Unlock()
	go func() {
		for ev := range events {
			c.subMu.Lock()
			for _, ch := range c.recSubs {
				select {
				case ch <- ev:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}()
}

func (c *Coordinator) notifyConflict(ev ConflictEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.confSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
