// Package store implements the in-memory record collections and the
// debounced write scheduling that keeps them durable.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/vault"
)

// DefaultDebounce is the delay between a mutation and its disk write. Every
// further mutation of the same record inside the window restarts the delay.
const DefaultDebounce = 500 * time.Millisecond

// EventType classifies a change notification.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventLoaded  EventType = "loaded" // collection replaced wholesale
)

// Event is delivered to subscribers after each completed mutation.
type Event struct {
	Type   EventType
	Kind   models.Kind
	Record models.Record // zero for EventLoaded
}

// snapshot is the immutable view published after every mutation. Queries
// read it without entering the store's sequential context, so they are
// eventually consistent by at most one in-flight mutation.
type snapshot struct {
	order    []string
	byID     map[string]models.Record
	tags     []string
	statuses []string
}

type ticketEntry struct {
	ticket  Ticket
	attempt int
}

// Store is an insertion-ordered, id-keyed collection of records of one kind.
//
// Concurrency model: a single worker goroutine owns the mutable collection;
// public mutations are closures handed to it through a channel, so callers
// never race on the same collection. Reads are served from the latest
// published snapshot. Disk writes run on scheduler goroutines, serialized by
// writeMu, never on the worker that delivers notifications.
type Store struct {
	kind     models.Kind
	adapter  *vault.Adapter
	logger   *slog.Logger
	sched    Scheduler
	delay    time.Duration
	builtins []models.Record

	ops    chan func()
	closed chan struct{}
	snap   atomic.Value // *snapshot

	mu      sync.Mutex
	pending map[string]*ticketEntry
	dirty   map[string]struct{} // ids whose last write failed

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithScheduler injects the debounce scheduler (tests use a manual one).
func WithScheduler(s Scheduler) Option {
	return func(st *Store) { st.sched = s }
}

// WithDebounce overrides the write-coalescing delay.
func WithDebounce(d time.Duration) Option {
	return func(st *Store) { st.delay = d }
}

// WithBuiltins declares records that must exist after every load; missing
// ones are recreated and persisted.
func WithBuiltins(recs []models.Record) Option {
	return func(st *Store) { st.builtins = recs }
}

// New creates a store for one record kind and starts its worker.
func New(kind models.Kind, adapter *vault.Adapter, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kind:    kind,
		adapter: adapter,
		logger:  logger,
		sched:   NewTimerScheduler(),
		delay:   DefaultDebounce,
		ops:     make(chan func(), 64),
		closed:  make(chan struct{}),
		pending: make(map[string]*ticketEntry),
		dirty:   make(map[string]struct{}),
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{byID: map[string]models.Record{}})
	go s.run()
	return s
}

// Kind returns the record kind this store owns.
func (s *Store) Kind() models.Kind { return s.kind }

func (s *Store) run() {
	for fn := range s.ops {
		fn()
	}
	close(s.closed)
}

// do executes fn on the worker goroutine and waits for it.
func (s *Store) do(fn func()) {
	done := make(chan struct{})
	s.ops <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// Close stops the worker. Pending tickets are not flushed; callers wanting
// durability run SaveAll first (the coordinator's shutdown does).
func (s *Store) Close() {
	close(s.ops)
	<-s.closed
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

// --- Loading ---

// Load replaces the whole collection with the records of this store's kind
// from a bulk-loaded slice (the coordinator scans the directory once and
// hands each store the same slice), guarantees the built-in records exist
// (creating and persisting any missing ones), rebuilds indices, and notifies
// subscribers once.
func (s *Store) Load(recs []models.Record) error {
	var ensureErr error
	s.do(func() {
		st := &collectionState{byID: map[string]models.Record{}}
		for _, r := range recs {
			if r.Kind != s.kind {
				continue
			}
			if _, dup := st.byID[r.ID]; dup {
				s.logger.Warn("store: duplicate record id on load, keeping first",
					slog.String("id", r.ID))
				continue
			}
			st.insert(r)
		}
		for _, b := range s.builtins {
			if _, ok := st.byID[b.ID]; ok {
				continue
			}
			st.insert(b)
			if err := s.writeLocked(b); err != nil {
				ensureErr = errors.Join(ensureErr, err)
			}
		}
		s.publish(st)
		s.notify(Event{Type: EventLoaded, Kind: s.kind})
	})
	return ensureErr
}

// --- Mutations ---

// Add inserts a record. A duplicate identifier is a no-op, not an error.
// The write is deferred through the debounce scheduler.
func (s *Store) Add(rec models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	added := false
	s.do(func() {
		st := s.state()
		if _, ok := st.byID[rec.ID]; ok {
			return
		}
		st.insert(rec)
		s.publish(st)
		s.notify(Event{Type: EventCreated, Kind: s.kind, Record: rec.Clone()})
		added = true
	})
	if added {
		s.scheduleWrite(rec.ID)
	}
	return nil
}

// Update replaces an existing record and stamps Modified. An absent
// identifier is a no-op. The write is deferred through the scheduler.
func (s *Store) Update(rec models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	updated := false
	s.do(func() {
		st := s.state()
		cur, ok := st.byID[rec.ID]
		if !ok {
			return
		}
		rec.Created = cur.Created
		rec.Modified = stampModified(cur.Modified)
		st.replace(rec)
		s.publish(st)
		s.notify(Event{Type: EventUpdated, Kind: s.kind, Record: rec.Clone()})
		updated = true
	})
	if updated {
		s.scheduleWrite(rec.ID)
		s.retryDirty()
	}
	return nil
}

// Delete removes a record, cancels its pending ticket, and deletes the file
// immediately (deletes are never debounced).
func (s *Store) Delete(id string) error {
	var rec models.Record
	found := false
	s.do(func() {
		st := s.state()
		cur, ok := st.byID[id]
		if !ok {
			return
		}
		rec, found = cur, true
		st.remove(id)
		s.publish(st)
		s.notify(Event{Type: EventDeleted, Kind: s.kind, Record: cur.Clone()})
	})
	if !found {
		return nil
	}

	s.cancelTicket(id)
	s.mu.Lock()
	delete(s.dirty, id)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.adapter.DeleteOne(rec)
}

// ApplyExternal installs a record read back from disk (a safe external
// change). Disk timestamps win verbatim: Modified is not restamped and no
// write is scheduled.
func (s *Store) ApplyExternal(rec models.Record) {
	s.do(func() {
		st := s.state()
		typ := EventUpdated
		if _, ok := st.byID[rec.ID]; !ok {
			st.insert(rec)
			typ = EventCreated
		} else {
			st.replace(rec)
		}
		s.publish(st)
		s.notify(Event{Type: typ, Kind: s.kind, Record: rec.Clone()})
	})
}

// DeleteExternal removes a record whose file disappeared from disk. The
// adapter is not called: there is nothing left to delete.
func (s *Store) DeleteExternal(id string) {
	s.do(func() {
		st := s.state()
		cur, ok := st.byID[id]
		if !ok {
			return
		}
		st.remove(id)
		s.publish(st)
		s.notify(Event{Type: EventDeleted, Kind: s.kind, Record: cur.Clone()})
	})
	s.cancelTicket(id)
}

// --- Durability ---

// SaveNow cancels any pending ticket for id and writes the record
// synchronously. Used for save-on-quit and conflict resolution.
func (s *Store) SaveNow(id string) error {
	s.cancelTicket(id)
	rec, ok := s.ByID(id)
	if !ok {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.adapter.WriteOne(rec); err != nil {
		s.markDirty(id)
		return err
	}
	s.clearDirty(id)
	return nil
}

// SaveAll cancels every pending ticket and synchronously writes every record
// in the collection. This is the shutdown-time durability guarantee: write
// failures are collected, not short-circuited.
func (s *Store) SaveAll() error {
	s.mu.Lock()
	for id, e := range s.pending {
		e.ticket.Cancel()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	snap := s.snapshot()
	var errs error
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, id := range snap.order {
		rec := snap.byID[id]
		if err := s.adapter.WriteOne(rec); err != nil {
			s.logger.Error("store: flush write failed",
				slog.String("id", id), slog.String("error", err.Error()))
			errs = errors.Join(errs, err)
			continue
		}
		s.clearDirty(id)
	}
	return errs
}

// PendingCount returns the number of outstanding write tickets.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HasPending reports whether id has a scheduled-but-unflushed write, or a
// failed write awaiting retry. The reconciler uses this to tell a safe
// external update from a conflict.
func (s *Store) HasPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return true
	}
	_, dirt := s.dirty[id]
	return dirt
}

// --- Queries (snapshot reads, never I/O) ---

// ByID returns a copy of the record with the given identifier.
func (s *Store) ByID(id string) (models.Record, bool) {
	rec, ok := s.snapshot().byID[id]
	if !ok {
		return models.Record{}, false
	}
	return rec.Clone(), true
}

// List returns all records in insertion order.
func (s *Store) List() []models.Record {
	snap := s.snapshot()
	out := make([]models.Record, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.byID[id].Clone())
	}
	return out
}

// Filter returns the records matching keep, in insertion order.
func (s *Store) Filter(keep func(models.Record) bool) []models.Record {
	snap := s.snapshot()
	var out []models.Record
	for _, id := range snap.order {
		if rec := snap.byID[id]; keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Search returns records whose title, body, or tags contain the query,
// case-insensitively. A linear scan over the snapshot.
func (s *Store) Search(query string) []models.Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return s.Filter(func(r models.Record) bool {
		if strings.Contains(strings.ToLower(r.Title), q) ||
			strings.Contains(strings.ToLower(r.Body), q) {
			return true
		}
		for _, t := range r.Tags {
			if strings.Contains(strings.ToLower(t), q) {
				return true
			}
		}
		return false
	})
}

// Tags returns the distinct tag values across the collection, sorted.
func (s *Store) Tags() []string { return append([]string(nil), s.snapshot().tags...) }

// Statuses returns the distinct status values across the collection, sorted.
func (s *Store) Statuses() []string { return append([]string(nil), s.snapshot().statuses...) }

// Len returns the collection size.
func (s *Store) Len() int { return len(s.snapshot().order) }

// --- Subscriptions ---

// Subscribe registers a listener for change events. The returned cancel
// func removes it. Events are delivered best-effort: a listener that stops
// draining its buffer misses events instead of blocking mutations.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- Debounced writes ---

// scheduleWrite issues a fresh ticket for id, replacing any outstanding one.
// The ticket records that the identifier is dirty, not a frozen payload: the
// closure reads the newest snapshot at fire time, so N rapid edits inside
// the window produce exactly one write carrying the Nth edit's content.
func (s *Store) scheduleWrite(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(id, s.delay, 0)
}

func (s *Store) scheduleLocked(id string, delay time.Duration, attempt int) {
	if prev, ok := s.pending[id]; ok {
		prev.ticket.Cancel()
	}
	e := &ticketEntry{attempt: attempt}
	e.ticket = s.sched.Schedule(delay, func() { s.fire(id, e) })
	s.pending[id] = e
}

func (s *Store) fire(id string, e *ticketEntry) {
	s.mu.Lock()
	cur, ok := s.pending[id]
	if !ok || cur != e {
		// Replaced or cancelled after this timer was armed.
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.mu.Unlock()

	rec, ok := s.ByID(id)
	if !ok {
		return // deleted inside the debounce window
	}

	s.writeMu.Lock()
	err := s.adapter.WriteOne(rec)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("store: deferred write failed",
			slog.String("id", id), slog.String("error", err.Error()))
		s.markDirty(id)
		if e.attempt == 0 {
			// One automatic retry at double the delay; after that the id
			// stays dirty until the next mutation or an explicit flush.
			s.mu.Lock()
			if _, replaced := s.pending[id]; !replaced {
				s.scheduleLocked(id, 2*s.delay, 1)
			}
			s.mu.Unlock()
		}
		return
	}
	s.clearDirty(id)
}

// CancelPending withdraws any outstanding ticket for id without writing.
// The coordinator uses it when a conflict resolution discards the local
// pending change in favor of the disk version.
func (s *Store) CancelPending(id string) {
	s.cancelTicket(id)
	s.clearDirty(id)
}

func (s *Store) cancelTicket(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[id]; ok {
		e.ticket.Cancel()
		delete(s.pending, id)
	}
}

// retryDirty reissues tickets for records whose last write failed, so a
// transient I/O error heals on the next interaction with the store.
func (s *Store) retryDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.dirty {
		if _, scheduled := s.pending[id]; !scheduled {
			s.scheduleLocked(id, s.delay, 1)
		}
	}
}

func (s *Store) markDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[id] = struct{}{}
}

func (s *Store) clearDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, id)
}

// --- Collection state (worker-owned) ---

// collectionState is the worker's mutable view; publish freezes it into a
// snapshot with rebuilt derived indices.
type collectionState struct {
	order []string
	byID  map[string]models.Record
}

func (s *Store) state() *collectionState {
	snap := s.snapshot()
	st := &collectionState{
		order: append([]string(nil), snap.order...),
		byID:  make(map[string]models.Record, len(snap.byID)),
	}
	for id, r := range snap.byID {
		st.byID[id] = r
	}
	return st
}

func (c *collectionState) insert(rec models.Record) {
	c.order = append(c.order, rec.ID)
	c.byID[rec.ID] = rec
}

func (c *collectionState) replace(rec models.Record) {
	c.byID[rec.ID] = rec
}

func (c *collectionState) remove(id string) {
	delete(c.byID, id)
	for i, cur := range c.order {
		if cur == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (s *Store) snapshot() *snapshot {
	return s.snap.Load().(*snapshot)
}

// publish rebuilds the derived indices and swaps in the new snapshot. It
// runs on the worker, so indices are consistent with the collection the
// instant any mutation completes.
func (s *Store) publish(st *collectionState) {
	tagSet := map[string]struct{}{}
	statusSet := map[string]struct{}{}
	for _, r := range st.byID {
		for _, t := range r.Tags {
			tagSet[t] = struct{}{}
		}
		if r.Status != "" {
			statusSet[r.Status] = struct{}{}
		}
	}
	s.snap.Store(&snapshot{
		order:    st.order,
		byID:     st.byID,
		tags:     sortedKeys(tagSet),
		statuses: sortedKeys(statusSet),
	})
}

// writeLocked persists a record from inside a worker op (startup only).
func (s *Store) writeLocked(rec models.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.adapter.WriteOne(rec); err != nil {
		return fmt.Errorf("store: persist builtin %s: %w", rec.ID, err)
	}
	return nil
}

// stampModified advances the modification time, never letting it run
// backwards even under clock skew.
func stampModified(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Second)
	if now.Before(prev) {
		return prev
	}
	return now
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
