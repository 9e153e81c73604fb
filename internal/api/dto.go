package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/raido/internal/models"
)

// CreateRecordRequest is the body of POST /records.
type CreateRecordRequest struct {
	Kind     string     `json:"kind"`
	Title    string     `json:"title"`
	Body     string     `json:"body,omitempty"`
	Status   string     `json:"status,omitempty"`
	Priority string     `json:"priority,omitempty"`
	Category string     `json:"category,omitempty"`
	Board    string     `json:"board,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Due      *time.Time `json:"due,omitempty"`
}

// Validate checks the request before it is turned into a record.
func (r CreateRecordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required,
			validation.In(string(models.KindTask), string(models.KindBoard))),
		validation.Field(&r.Title, validation.Required, validation.Length(1, 512)),
	)
}

// UpdateRecordRequest is the body of PUT /records/{id}. Omitted fields keep
// their current values; tags are replaced wholesale when present.
type UpdateRecordRequest struct {
	Title    *string    `json:"title,omitempty"`
	Body     *string    `json:"body,omitempty"`
	Status   *string    `json:"status,omitempty"`
	Priority *string    `json:"priority,omitempty"`
	Category *string    `json:"category,omitempty"`
	Board    *string    `json:"board,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Due      *time.Time `json:"due,omitempty"`
}

// Apply overlays the request onto an existing record.
func (r UpdateRecordRequest) Apply(rec models.Record) models.Record {
	if r.Title != nil {
		rec.Title = *r.Title
	}
	if r.Body != nil {
		rec.Body = *r.Body
	}
	if r.Status != nil {
		rec.Status = *r.Status
	}
	if r.Priority != nil {
		rec.Priority = *r.Priority
	}
	if r.Category != nil {
		rec.Category = models.Category(*r.Category)
	}
	if r.Board != nil {
		rec.Board = *r.Board
	}
	if r.Tags != nil {
		rec.Tags = r.Tags
	}
	if r.Due != nil {
		rec.Due = r.Due
	}
	return rec
}

// ResolveConflictRequest is the body of POST /conflicts/{id}/resolve.
type ResolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

// RecordListResponse is the envelope of GET /records.
type RecordListResponse struct {
	Records []models.Record `json:"records"`
	Total   int             `json:"total"`
}
