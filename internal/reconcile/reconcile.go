// Package reconcile decides whether an external file change can be applied
// to the in-memory state or must be surfaced for resolution.
package reconcile

import (
	"time"

	"github.com/starford/raido/internal/models"
)

// Decision classifies an external change.
type Decision string

const (
	// SafeUpdate means the change can be applied by re-reading the file.
	SafeUpdate Decision = "safe_update"
	// Conflict means an unflushed local change and the external edit
	// disagree; neither side may be silently overwritten.
	Conflict Decision = "conflict"
	// Ignore means the notification is stale or an echo of our own write.
	Ignore Decision = "ignore"
)

// Classify applies the reconciliation rule:
//
//   - no in-memory record for the path -> a new external record, SafeUpdate;
//   - record exists, no pending write, disk strictly newer -> SafeUpdate
//     (the external edit wins);
//   - record exists, pending write, disk strictly newer -> Conflict;
//   - disk not newer than memory -> Ignore.
func Classify(exists bool, diskMod, memMod time.Time, hasPendingWrite bool) Decision {
	if !exists {
		return SafeUpdate
	}
	if !diskMod.After(memMod) {
		return Ignore
	}
	if hasPendingWrite {
		return Conflict
	}
	return SafeUpdate
}

// Descriptor captures one detected conflict for resolution.
type Descriptor struct {
	ID         string      `json:"id"`         // record identifier
	Kind       models.Kind `json:"kind"`       // owning store
	Path       string      `json:"path"`       // vault-relative file path
	MemModTime time.Time   `json:"mem_mtime"`  // last known in-memory modification
	DiskMod    time.Time   `json:"disk_mtime"` // on-disk modification time
	DetectedAt time.Time   `json:"detected_at"`
}

// Resolution is the user's decision for a conflict.
type Resolution string

const (
	// KeepDisk re-reads the file and replaces the in-memory record.
	KeepDisk Resolution = "keep_disk"
	// KeepMemory writes the in-memory record over the disk file.
	KeepMemory Resolution = "keep_memory"
)

// Valid reports whether r is a known resolution choice.
func (r Resolution) Valid() bool {
	return r == KeepDisk || r == KeepMemory
}
