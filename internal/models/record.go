// Package models defines the domain types for Raido.
package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Kind discriminates the persisted record types.
type Kind string

const (
	KindTask  Kind = "task"
	KindBoard Kind = "board"
)

// Kinds lists every record kind the vault stores.
var Kinds = []Kind{KindTask, KindBoard}

// Category is the lifecycle bucket a record lives in. It is part of the
// record's storage path: moving a record between categories moves its file.
type Category string

const (
	CategoryActive   Category = "active"
	CategoryArchived Category = "archived"
)

// Task statuses.
const (
	StatusOpen    = "open"
	StatusDoing   = "doing"
	StatusDone    = "done"
	StatusDropped = "dropped"
)

// Priorities, lowest to highest.
const (
	PriorityNone   = ""
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Record is the persisted unit: a task or a board, stored as one Markdown
// file with YAML frontmatter. While resident in memory a Record is owned
// exclusively by its store; persistence only ever sees value copies.
type Record struct {
	ID       string     `json:"id"`
	Kind     Kind       `json:"kind"`
	Category Category   `json:"category"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`
	Priority string     `json:"priority,omitempty"`
	Due      *time.Time `json:"due,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Board    string     `json:"board,omitempty"` // board record ID a task belongs to
	Body     string     `json:"body"`
	Created  time.Time  `json:"created"`
	Modified time.Time  `json:"modified"`
}

// NewRecord creates a record with a fresh identifier and creation stamp.
func NewRecord(kind Kind, title string) Record {
	now := time.Now().UTC().Truncate(time.Second)
	return Record{
		ID:       uuid.NewString(),
		Kind:     kind,
		Category: CategoryActive,
		Title:    title,
		Status:   StatusOpen,
		Created:  now,
		Modified: now,
	}
}

// Validate checks the fields external callers are allowed to set.
func (r Record) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.In(KindTask, KindBoard)),
		validation.Field(&r.Category, validation.Required, validation.In(CategoryActive, CategoryArchived)),
		validation.Field(&r.Title, validation.Required, validation.Length(1, 512)),
		validation.Field(&r.Status, validation.Required,
			validation.In(StatusOpen, StatusDoing, StatusDone, StatusDropped)),
		validation.Field(&r.Priority,
			validation.In(PriorityNone, PriorityLow, PriorityMedium, PriorityHigh)),
	)
}

// Clone returns a deep copy safe to hand outside the owning store.
func (r Record) Clone() Record {
	out := r
	if r.Due != nil {
		due := *r.Due
		out.Due = &due
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	return out
}

// DefaultBoards are the built-in board records every vault is guaranteed to
// contain after a load. Missing ones are recreated and persisted.
func DefaultBoards() []Record {
	mk := func(id, title string) Record {
		r := NewRecord(KindBoard, title)
		r.ID = id
		return r
	}
	return []Record{
		mk("board-inbox", "Inbox"),
		mk("board-backlog", "Backlog"),
		mk("board-done", "Done"),
	}
}

// RecordMetadata is a lightweight representation returned by list operations.
type RecordMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
