package permission

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/surgicase/platform/internal/shared/auth"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/metrics"
)

// Handler provides HTTP handlers for the permission module
type Handler struct {
	engine *Engine
}

// NewHandler creates a new permission handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes registers the permission routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", h.ListMatrix)
		r.Put("/", h.SetEntry)
		r.Post("/refresh", h.Refresh)
	})

	return r
}

// ListMatrix returns the fully resolved permission matrix
func (h *Handler) ListMatrix(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil || !h.engine.Resolve(Role(user.Role), ActionManagePermissions) {
		writeError(w, errors.PermissionDenied())
		return
	}

	entries := h.engine.ListMatrix()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":     entries,
		"total":    len(entries),
		"degraded": h.engine.Degraded(),
	})
}

// SetEntryRequest is the payload for a single matrix override
type SetEntryRequest struct {
	Action  string `json:"action"`
	Role    string `json:"role"`
	Allowed bool   `json:"allowed"`
}

// SetEntry writes one override of the permission matrix
func (h *Handler) SetEntry(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil || !h.engine.Resolve(Role(user.Role), ActionManagePermissions) {
		writeError(w, errors.PermissionDenied())
		return
	}

	var req SetEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	entry, err := h.engine.SetEntry(r.Context(), user.ID, Role(user.Role), Action(req.Action), Role(req.Role), req.Allowed)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// Refresh forces a reload of the matrix snapshot from the store
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil || !h.engine.Resolve(Role(user.Role), ActionManagePermissions) {
		writeError(w, errors.PermissionDenied())
		return
	}

	if err := h.engine.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordPermissionRefresh("manual")

	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
