package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/starford/raido/internal/coordinator"
	"github.com/starford/raido/internal/models"
)

func testRouter(t *testing.T) (http.Handler, *coordinator.Coordinator) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := coordinator.New(t.TempDir(), logger,
		coordinator.WithDebounce(10*time.Millisecond),
	)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = coord.Shutdown() })
	return NewRouter(coord, false, "", nil), coord
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetRecord(t *testing.T) {
	r, _ := testRouter(t)

	w := doJSON(t, r, http.MethodPost, "/records", map[string]any{
		"kind":  "task",
		"title": "File taxes",
		"tags":  []string{"finance"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var created models.Record
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != models.StatusOpen {
		t.Errorf("created = %+v", created)
	}

	w = doJSON(t, r, http.MethodGet, "/records/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got models.Record
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Title != "File taxes" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	r, _ := testRouter(t)

	cases := []map[string]any{
		{"kind": "task"},                      // no title
		{"title": "no kind"},                  // no kind
		{"kind": "sticky", "title": "x"},      // unknown kind
		{"kind": "task", "title": "x", "status": "paused"}, // unknown status
	}
	for i, body := range cases {
		if w := doJSON(t, r, http.MethodPost, "/records", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/records", bytes.NewBufferString("{broken"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken json: status = %d", w.Code)
	}
}

func TestListRecordsFilters(t *testing.T) {
	r, coord := testRouter(t)

	a := models.NewRecord(models.KindTask, "alpha")
	a.Tags = []string{"home"}
	b := models.NewRecord(models.KindTask, "beta")
	b.Status = models.StatusDoing
	for _, rec := range []models.Record{a, b} {
		if err := coord.Tasks().Add(rec); err != nil {
			t.Fatal(err)
		}
	}

	var resp RecordListResponse

	w := doJSON(t, r, http.MethodGet, "/records?kind=task", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("kind=task total = %d, want 2", resp.Total)
	}

	w = doJSON(t, r, http.MethodGet, "/records?kind=task&status=doing", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Records[0].ID != b.ID {
		t.Errorf("status filter: %+v", resp)
	}

	w = doJSON(t, r, http.MethodGet, "/records?tag=home", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Records[0].ID != a.ID {
		t.Errorf("tag filter: %+v", resp)
	}

	w = doJSON(t, r, http.MethodGet, "/records?kind=task&q=alp", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Records[0].ID != a.ID {
		t.Errorf("search filter: %+v", resp)
	}

	// Boards are listed too (the three builtins).
	w = doJSON(t, r, http.MethodGet, "/records?kind=board", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 3 {
		t.Errorf("kind=board total = %d, want 3", resp.Total)
	}
}

func TestUpdateRecordPartial(t *testing.T) {
	r, coord := testRouter(t)

	rec := models.NewRecord(models.KindTask, "original")
	rec.Body = "keep me"
	if err := coord.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, http.MethodPut, "/records/"+rec.ID, map[string]any{
		"status": "done",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body)
	}
	var got models.Record
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != models.StatusDone {
		t.Errorf("status = %q", got.Status)
	}
	if got.Title != "original" || got.Body != "keep me" {
		t.Errorf("omitted fields were clobbered: %+v", got)
	}

	if w := doJSON(t, r, http.MethodPut, "/records/missing", map[string]any{}); w.Code != http.StatusNotFound {
		t.Errorf("update missing: status = %d", w.Code)
	}
}

func TestDeleteRecord(t *testing.T) {
	r, coord := testRouter(t)

	rec := models.NewRecord(models.KindTask, "to delete")
	if err := coord.Tasks().Add(rec); err != nil {
		t.Fatal(err)
	}

	if w := doJSON(t, r, http.MethodDelete, "/records/"+rec.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/records/"+rec.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", w.Code)
	}
	w := doJSON(t, r, http.MethodDelete, "/records/"+rec.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d", w.Code)
	}

	// Failures use the uniform error envelope.
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("error body not json: %v", err)
	}
	if envelope.Error == "" {
		t.Error("error body missing the error field")
	}
}

func TestConflictEndpoints(t *testing.T) {
	r, _ := testRouter(t)

	w := doJSON(t, r, http.MethodGet, "/conflicts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list conflicts status = %d", w.Code)
	}
	var resp struct {
		Conflicts []any `json:"conflicts"`
		Total     int   `json:"total"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 0 || resp.Conflicts == nil {
		t.Errorf("fresh vault conflicts = %+v", resp)
	}

	w = doJSON(t, r, http.MethodPost, "/conflicts/nobody/resolve", map[string]any{
		"resolution": "keep_disk",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("resolve unknown: status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/conflicts/nobody/resolve", map[string]any{
		"resolution": "merge",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad resolution: status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := coordinator.New(t.TempDir(), logger, coordinator.WithDebounce(10*time.Millisecond))
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = coord.Shutdown() })
	r := NewRouter(coord, true, "secret", nil)

	w := doJSON(t, r, http.MethodGet, "/records", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/records", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", w.Code)
	}
}
