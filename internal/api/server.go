package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// RecordReader is the read-only slice of the status store the API serves.
type RecordReader interface {
	List() []models.FileRecord
	Get(path string) (models.FileRecord, bool)
	Counts() map[models.Status]int
}

// Handler exposes the status store for operators: per-state counts and
// individual file records. Read-only; the orchestrator stays the only
// writer.
type Handler struct {
	records RecordReader
}

func NewHandler(records RecordReader) *Handler {
	return &Handler{records: records}
}

// SetupRoutes registers the inspection endpoints.
func SetupRoutes(r *mux.Router, records RecordReader) {
	h := NewHandler(records)
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Summary).Methods("GET")
	r.HandleFunc("/files", h.ListFiles).Methods("GET")
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) Summary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.records.Counts())
}

// ListFiles returns records, optionally filtered: /files?status=FAILED or
// /files?path=/data/2025-05-17/14/customer_profiles.csv.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if path := r.URL.Query().Get("path"); path != "" {
		rec, ok := h.records.Get(path)
		if !ok {
			http.Error(w, "no record for path", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
		return
	}

	records := h.records.List()
	if wanted := r.URL.Query().Get("status"); wanted != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Status == models.Status(wanted) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
