// Package testutil provides shared test helpers for setting up record vaults.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/raido/internal/codec"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/vaultpath"
)

// TestVault creates a temporary vault directory with a storage.Provider.
func TestVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	vaultDir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := storage.NewFS(vaultDir, logger)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// TestRecord returns a valid task record with deterministic timestamps.
func TestRecord(t *testing.T, title string) models.Record {
	t.Helper()
	rec := models.NewRecord(models.KindTask, title)
	rec.Created = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec.Modified = rec.Created
	return rec
}

// WriteRecordFile encodes rec and writes it at its conventional path under
// vaultDir, bypassing the storage layer. Returns the relative path.
func WriteRecordFile(t *testing.T, vaultDir string, rec models.Record) string {
	t.Helper()
	rel := vaultpath.For(rec)
	abs := filepath.Join(vaultDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, codec.Encode(rec), 0o644); err != nil {
		t.Fatal(err)
	}
	return rel
}

// Eventually polls fn every 5ms until it returns true or the deadline
// passes, then fails the test.
func Eventually(t *testing.T, d time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
