package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/coordinator"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/reconcile"
)

// Handler holds API route handlers.
type Handler struct {
	coord *coordinator.Coordinator
}

// NewHandler creates a new Handler.
func NewHandler(coord *coordinator.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// ListRecords handles GET /records with optional kind/status/category/tag/q
// filters. Filtering is a linear scan over the store snapshot.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	status := q.Get("status")
	category := q.Get("category")
	tag := q.Get("tag")
	search := q.Get("q")

	var out []models.Record
	for _, k := range models.Kinds {
		if kind != "" && kind != string(k) {
			continue
		}
		st, ok := h.coord.StoreFor(k)
		if !ok {
			continue
		}
		var recs []models.Record
		if search != "" {
			recs = st.Search(search)
		} else {
			recs = st.List()
		}
		for _, rec := range recs {
			if status != "" && rec.Status != status {
				continue
			}
			if category != "" && string(rec.Category) != category {
				continue
			}
			if tag != "" && !hasTag(rec, tag) {
				continue
			}
			out = append(out, rec)
		}
	}
	if out == nil {
		out = []models.Record{}
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: out, Total: len(out)})
}

// CreateRecord handles POST /records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := models.NewRecord(models.Kind(req.Kind), req.Title)
	rec.Body = req.Body
	rec.Tags = req.Tags
	rec.Board = req.Board
	rec.Due = req.Due
	if req.Status != "" {
		rec.Status = req.Status
	}
	if req.Priority != "" {
		rec.Priority = req.Priority
	}
	if req.Category != "" {
		rec.Category = models.Category(req.Category)
	}

	st, ok := h.coord.StoreFor(rec.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	if err := st.Add(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, _, ok := h.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	rec, st, ok := h.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}

	var req UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updated := req.Apply(rec)
	if err := st.Update(updated); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Re-read so the response carries the store-stamped Modified time.
	fresh, _ := st.ByID(updated.ID)
	writeJSON(w, http.StatusOK, fresh)
}

// DeleteRecord handles DELETE /records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	rec, st, ok := h.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err := st.Delete(rec.ID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		slog.Error("delete record failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts := h.coord.Conflicts()
	if conflicts == nil {
		conflicts = []reconcile.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// ResolveConflict handles POST /conflicts/{id}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res := reconcile.Resolution(req.Resolution)
	if !res.Valid() {
		writeError(w, http.StatusBadRequest, "resolution must be keep_disk or keep_memory")
		return
	}

	if err := h.coord.Resolve(id, res); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no open conflict for id")
			return
		}
		slog.Error("resolve conflict failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup finds a record by id across every store.
func (h *Handler) lookup(id string) (models.Record, recordStore, bool) {
	for _, k := range models.Kinds {
		st, ok := h.coord.StoreFor(k)
		if !ok {
			continue
		}
		if rec, found := st.ByID(id); found {
			return rec, st, true
		}
	}
	return models.Record{}, nil, false
}

// recordStore is the slice of the store surface the handlers need.
type recordStore interface {
	Add(models.Record) error
	Update(models.Record) error
	Delete(id string) error
	ByID(id string) (models.Record, bool)
}

func hasTag(rec models.Record, tag string) bool {
	for _, t := range rec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
