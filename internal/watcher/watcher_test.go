package watcher

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

// fakeSource feeds scripted raw notifications and blocks until cancelled.
type fakeSource struct {
	in chan Raw
}

func newFakeSource() *fakeSource {
	return &fakeSource{in: make(chan Raw, 64)}
}

func (f *fakeSource) Run(ctx context.Context, out chan<- Raw) error {
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

func testWatcher(t *testing.T) (*Watcher, *fakeSource, context.CancelFunc) {
	t.Helper()
	src := newFakeSource()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := New(src, ".md", logger, WithWindow(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(cancel)
	return w, src, cancel
}

func collect(t *testing.T, w *Watcher, n int) []Event {
	t.Helper()
	var out []Event
	for len(out) < n {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSingleEventPassesThrough(t *testing.T) {
	w, src, _ := testWatcher(t)
	src.in <- Raw{Path: "records/active/2025/06/a.md", Type: Modified}

	evs := collect(t, w, 1)
	if evs[0].Type != Modified || evs[0].Path != "records/active/2025/06/a.md" {
		t.Errorf("got %+v", evs[0])
	}
}

func TestBurstCollapsesToOneEvent(t *testing.T) {
	w, src, _ := testWatcher(t)
	// An editor save often arrives as create followed by several modifies.
	path := "records/active/2025/06/b.md"
	src.in <- Raw{Path: path, Type: Created}
	src.in <- Raw{Path: path, Type: Modified}
	src.in <- Raw{Path: path, Type: Modified}

	evs := collect(t, w, 1)
	if evs[0].Type != Created {
		t.Errorf("type = %q, want created (creation wins over trailing modifies)", evs[0].Type)
	}

	// Nothing else should arrive.
	select {
	case ev := <-w.Events():
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	w, src, _ := testWatcher(t)
	path := "records/active/2025/06/c.md"
	src.in <- Raw{Path: path, Type: Created}
	src.in <- Raw{Path: path, Type: Deleted}
	src.in <- Raw{Path: path, Type: Modified}

	evs := collect(t, w, 1)
	if evs[0].Type != Deleted {
		t.Errorf("type = %q, want deleted", evs[0].Type)
	}
}

func TestIndependentPathsBatchInOrder(t *testing.T) {
	w, src, _ := testWatcher(t)
	src.in <- Raw{Path: "records/active/2025/06/z.md", Type: Modified}
	src.in <- Raw{Path: "records/active/2025/06/a.md", Type: Modified}

	evs := collect(t, w, 2)
	if evs[0].Path != "records/active/2025/06/a.md" || evs[1].Path != "records/active/2025/06/z.md" {
		t.Errorf("flush order not sorted: %+v", evs)
	}
}

func TestIrrelevantPathsFiltered(t *testing.T) {
	w, src, _ := testWatcher(t)
	src.in <- Raw{Path: "records/active/2025/06/.raido-tmp-123", Type: Created}
	src.in <- Raw{Path: "records/active/2025/06/.hidden.md", Type: Created}
	src.in <- Raw{Path: "records/active/2025/06/readme.txt", Type: Created}
	src.in <- Raw{Path: "records/active/2025/06/real.md", Type: Created}

	evs := collect(t, w, 1)
	if evs[0].Path != "records/active/2025/06/real.md" {
		t.Errorf("got %+v", evs[0])
	}
	select {
	case ev := <-w.Events():
		t.Errorf("filtered path leaked: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelFlushesAndCloses(t *testing.T) {
	w, src, cancel := testWatcher(t)
	src.in <- Raw{Path: "records/active/2025/06/d.md", Type: Modified}
	// Cancel before the window elapses; the buffered event must still be
	// flushed, then the channel closed.
	time.Sleep(5 * time.Millisecond)
	cancel()

	var got []Event
	for ev := range w.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Path != "records/active/2025/06/d.md" {
		t.Errorf("flush on cancel = %+v", got)
	}
}

func TestCollapse(t *testing.T) {
	cases := []struct {
		old, incoming, want EventType
	}{
		{Created, Modified, Created},
		{Modified, Modified, Modified},
		{Modified, Deleted, Deleted},
		{Deleted, Created, Deleted},
		{Created, Deleted, Deleted},
	}
	for _, c := range cases {
		if got := collapse(c.old, c.incoming); got != c.want {
			t.Errorf("collapse(%q, %q) = %q, want %q", c.old, c.incoming, got, c.want)
		}
	}
}
