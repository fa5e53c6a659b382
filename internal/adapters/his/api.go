package his

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves the HIS reference-data snapshot
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a new reference-data handler
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// Routes registers the reference-data routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/hospitals", h.ListHospitals)
	r.Get("/hospitals/{hospitalCode}/departments", h.ListDepartments)

	return r
}

// ListHospitals lists active hospitals, optionally filtered by country
func (h *Handler) ListHospitals(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")

	hospitals := h.adapter.Hospitals(country)

	writeJSON(w, http.StatusOK, map[string]any{
		"data":      hospitals,
		"total":     len(hospitals),
		"last_sync": h.adapter.LastSync(),
	})
}

// ListDepartments lists active departments of a hospital
func (h *Handler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	hospitalCode := chi.URLParam(r, "hospitalCode")

	departments := h.adapter.Departments(hospitalCode)

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  departments,
		"total": len(departments),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
