package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/codec"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/reconcile"
	"github.com/starford/raido/internal/testutil"
	"github.com/starford/raido/internal/vaultpath"
	"github.com/starford/raido/internal/watcher"
)

// fakeSource lets tests inject raw filesystem notifications.
type fakeSource struct {
	in chan watcher.Raw
}

func newFakeSource() *fakeSource {
	return &fakeSource{in: make(chan watcher.Raw, 64)}
}

func (f *fakeSource) Run(ctx context.Context, out chan<- watcher.Raw) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-f.in:
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func testCoordinator(t *testing.T, debounce time.Duration) (string, *Coordinator, *fakeSource) {
	t.Helper()
	dir := t.TempDir()
	src := newFakeSource()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(dir, logger,
		WithSource(src),
		WithWindow(10*time.Millisecond),
		WithDebounce(debounce),
	)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Shutdown() })
	return dir, c, src
}

// rewriteOnDisk replaces the record's file with new content, bypassing the
// coordinator, and bumps the file mtime past the in-memory modification.
func rewriteOnDisk(t *testing.T, dir string, rec models.Record, mtime time.Time) string {
	t.Helper()
	rel := vaultpath.For(rec)
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.WriteFile(abs, codec.Encode(rec), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(abs, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return rel
}

func TestInitializeCreatesStructureAndBuiltins(t *testing.T) {
	dir, c, _ := testCoordinator(t, 10*time.Millisecond)

	if _, err := os.Stat(filepath.Join(dir, "records")); err != nil {
		t.Errorf("records dir missing: %v", err)
	}
	if c.Boards().Len() != 3 {
		t.Errorf("builtin boards = %d, want 3", c.Boards().Len())
	}
	if c.Tasks().Len() != 0 {
		t.Errorf("fresh vault should have no tasks")
	}
}

func TestExternalCreate(t *testing.T) {
	dir, c, src := testCoordinator(t, 10*time.Millisecond)

	rec := testutil.TestRecord(t, "dropped into the vault")
	rel := testutil.WriteRecordFile(t, dir, rec)
	src.in <- watcher.Raw{Path: rel, Type: watcher.Created}

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := c.Tasks().ByID(rec.ID)
		return ok
	})
	got, _ := c.Tasks().ByID(rec.ID)
	if got.Title != rec.Title {
		t.Errorf("title = %q", got.Title)
	}
	if c.Tasks().HasPending(rec.ID) {
		t.Error("external apply must not schedule a write back")
	}
}

func TestExternalModifyWithoutPending(t *testing.T) {
	dir, c, src := testCoordinator(t, 10*time.Millisecond)

	rec := testutil.TestRecord(t, "original title")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Tasks().SaveNow(rec.ID); err != nil {
		t.Fatal(err)
	}

	mem, _ := c.Tasks().ByID(rec.ID)
	edited := mem
	edited.Title = "edited in another program"
	edited.Modified = mem.Modified.Add(5 * time.Second)
	rel := rewriteOnDisk(t, dir, edited, mem.Modified.Add(5*time.Second))
	src.in <- watcher.Raw{Path: rel, Type: watcher.Modified}

	testutil.Eventually(t, 2*time.Second, func() bool {
		got, _ := c.Tasks().ByID(rec.ID)
		return got.Title == "edited in another program"
	})
	if len(c.Conflicts()) != 0 {
		t.Errorf("no conflict expected, got %v", c.Conflicts())
	}
}

func TestOwnWriteEchoIgnored(t *testing.T) {
	_, c, src := testCoordinator(t, 10*time.Millisecond)

	rec := testutil.TestRecord(t, "echo candidate")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Tasks().SaveNow(rec.ID); err != nil {
		t.Fatal(err)
	}

	events, unsub := c.SubscribeRecords()
	defer unsub()

	// Replay the watcher notification our own write would have produced.
	src.in <- watcher.Raw{Path: vaultpath.For(rec), Type: watcher.Modified}

	select {
	case ev := <-events:
		t.Errorf("echo produced event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if len(c.Conflicts()) != 0 {
		t.Errorf("echo produced conflict")
	}
}

func TestConflictDetectedAndKeepDisk(t *testing.T) {
	dir, c, src := testCoordinator(t, time.Hour)

	rec := testutil.TestRecord(t, "base")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Tasks().SaveNow(rec.ID); err != nil {
		t.Fatal(err)
	}

	conflicts, unsub := c.SubscribeConflicts()
	defer unsub()

	// Local edit sits in the hour-long debounce window...
	local, _ := c.Tasks().ByID(rec.ID)
	local.Title = "local edit"
	if err := c.Tasks().Update(local); err != nil {
		t.Fatal(err)
	}
	mem, _ := c.Tasks().ByID(rec.ID)

	// ...while the file changes underneath it.
	disk := mem
	disk.Title = "disk edit"
	disk.Modified = mem.Modified.Add(5 * time.Second)
	rel := rewriteOnDisk(t, dir, disk, mem.Modified.Add(5*time.Second))
	src.in <- watcher.Raw{Path: rel, Type: watcher.Modified}

	select {
	case ev := <-conflicts:
		if ev.Type != ConflictDetected || ev.Descriptor.ID != rec.ID {
			t.Fatalf("unexpected conflict event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for conflict")
	}
	if len(c.Conflicts()) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(c.Conflicts()))
	}

	// Neither side was silently applied.
	got, _ := c.Tasks().ByID(rec.ID)
	if got.Title != "local edit" {
		t.Errorf("in-memory title = %q, want the local edit preserved", got.Title)
	}

	if err := c.Resolve(rec.ID, reconcile.KeepDisk); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Tasks().ByID(rec.ID)
	if got.Title != "disk edit" {
		t.Errorf("title after keep_disk = %q", got.Title)
	}
	if c.Tasks().HasPending(rec.ID) {
		t.Error("discarded local edit must not be written later")
	}
	if len(c.Conflicts()) != 0 {
		t.Error("conflict not cleared")
	}

	select {
	case ev := <-conflicts:
		if ev.Type != ConflictResolved || ev.Resolution != reconcile.KeepDisk {
			t.Errorf("unexpected resolution event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for resolution event")
	}
}

func TestConflictKeepMemory(t *testing.T) {
	dir, c, src := testCoordinator(t, time.Hour)

	rec := testutil.TestRecord(t, "base")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Tasks().SaveNow(rec.ID); err != nil {
		t.Fatal(err)
	}

	local, _ := c.Tasks().ByID(rec.ID)
	local.Title = "local edit"
	if err := c.Tasks().Update(local); err != nil {
		t.Fatal(err)
	}
	mem, _ := c.Tasks().ByID(rec.ID)

	disk := mem
	disk.Title = "disk edit"
	disk.Modified = mem.Modified.Add(5 * time.Second)
	rel := rewriteOnDisk(t, dir, disk, mem.Modified.Add(5*time.Second))
	src.in <- watcher.Raw{Path: rel, Type: watcher.Modified}

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(c.Conflicts()) == 1
	})

	if err := c.Resolve(rec.ID, reconcile.KeepMemory); err != nil {
		t.Fatal(err)
	}

	// The in-memory record wins and lands at its own resolved path.
	kept, _ := c.Tasks().ByID(rec.ID)
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(vaultpath.For(kept))))
	if err != nil {
		t.Fatal(err)
	}
	onDisk, ok := codec.Decode(data)
	if !ok {
		t.Fatal("file no longer decodes")
	}
	if onDisk.Title != "local edit" {
		t.Errorf("disk title = %q, want the local edit written through", onDisk.Title)
	}

	// The external copy was consumed by the write-through and the original
	// file was removed when the record moved, so exactly one file remains.
	for _, stale := range []string{rel, vaultpath.For(rec)} {
		if stale == vaultpath.For(kept) {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(stale))); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("superseded file %s still present (err = %v)", stale, err)
		}
	}
	if len(c.Conflicts()) != 0 {
		t.Error("conflict not cleared")
	}
}

func TestExternalDelete(t *testing.T) {
	dir, c, src := testCoordinator(t, 10*time.Millisecond)

	rec := testutil.TestRecord(t, "doomed")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Tasks().SaveNow(rec.ID); err != nil {
		t.Fatal(err)
	}
	rel := vaultpath.For(rec)
	if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
		t.Fatal(err)
	}
	src.in <- watcher.Raw{Path: rel, Type: watcher.Deleted}

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := c.Tasks().ByID(rec.ID)
		return !ok
	})
}

func TestResolveErrors(t *testing.T) {
	_, c, _ := testCoordinator(t, 10*time.Millisecond)

	if err := c.Resolve("nobody", reconcile.KeepDisk); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := c.Resolve("nobody", reconcile.Resolution("merge")); err == nil {
		t.Error("invalid resolution should fail before lookup")
	}
}

func TestShutdownFlushesPendingWrites(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(dir, logger,
		WithSource(src),
		WithWindow(10*time.Millisecond),
		WithDebounce(time.Hour),
	)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := testutil.TestRecord(t, "still in the window")
	if err := c.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Tasks().ByID(rec.ID)
	abs := filepath.Join(dir, filepath.FromSlash(vaultpath.For(got)))
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("pending write not flushed on shutdown: %v", err)
	}
}

func TestRestartSeesPersistedRecords(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	first := New(dir, logger, WithSource(newFakeSource()), WithDebounce(time.Hour))
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := testutil.TestRecord(t, "survivor")
	if err := first.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}
	if err := first.Shutdown(); err != nil {
		t.Fatal(err)
	}

	second := New(dir, logger, WithSource(newFakeSource()), WithDebounce(time.Hour))
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = second.Shutdown() })

	got, ok := second.Tasks().ByID(rec.ID)
	if !ok {
		t.Fatal("record lost across restart")
	}
	if got.Title != "survivor" {
		t.Errorf("title = %q", got.Title)
	}
	if second.Boards().Len() != 3 {
		t.Errorf("builtins duplicated or lost: %d", second.Boards().Len())
	}
}
