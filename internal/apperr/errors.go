// Package apperr defines the sentinel errors shared across layers.
package apperr

import "errors"

var (
	// ErrNotFound means a requested record or file is absent. Non-fatal;
	// callers get an empty result.
	ErrNotFound = errors.New("not found")

	// ErrNoFrontmatter means a file carries no parseable metadata block and
	// is therefore not a valid record. Bulk loads skip it; explicit reads
	// surface it.
	ErrNoFrontmatter = errors.New("no frontmatter")
)
