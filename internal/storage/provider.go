// Package storage defines the vault file-system abstraction.
package storage

import "github.com/starford/raido/internal/models"

// Provider is the interface for vault file operations. All paths are
// relative to the vault root.
type Provider interface {
	// List returns metadata for every record file under dir.
	List(dir string) ([]models.RecordMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Stat returns metadata for a single file.
	Stat(path string) (models.RecordMetadata, error)
	// Write atomically writes content to path, creating parent directories.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Root returns the absolute vault root directory.
	Root() string
}
