package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeJSON encodes v as the response body. Records and conflict descriptors
// marshal straight from their domain types; there is no separate wire model
// for successful responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: response encode failed", slog.String("error", err.Error()))
	}
}

// writeError sends the uniform error envelope, {"error": "<message>"}. Every
// failure response in the API goes through here so clients can rely on the
// shape regardless of which handler produced it.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
