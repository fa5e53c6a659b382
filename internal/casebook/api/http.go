// Package api exposes the case booking HTTP surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/surgicase/platform/internal/casebook/domain"
	"github.com/surgicase/platform/internal/casebook/service"
	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/auth"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the casebook module
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new casebook handler
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the casebook routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListCases)
	r.Post("/", h.CreateCase)
	r.Post("/import", h.ImportCases)

	r.Route("/{caseID}", func(r chi.Router) {
		r.Get("/", h.GetCase)
		r.Post("/transition", h.TransitionCase)
		r.Patch("/", h.AmendCase)
		r.Get("/history", h.GetCaseHistory)
	})

	return r
}

func actorFromRequest(r *http.Request) (domain.Actor, bool) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return domain.Actor{}, false
	}
	return domain.Actor{
		ID:          user.ID,
		Role:        permission.Role(user.Role),
		Countries:   user.Countries,
		Departments: user.Departments,
	}, true
}

// CreateCase books a new case
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req service.CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	c, err := h.svc.CreateCase(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// GetCase returns a single case
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	c, err := h.svc.GetCase(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// ListCases lists cases visible to the caller
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	filter := domain.ListFilter{
		Hospital: r.URL.Query().Get("hospital"),
		Search:   r.URL.Query().Get("search"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.CaseStatus(s)
		if !domain.ValidStatus(status) {
			writeError(w, errors.BadRequest("unknown status filter"))
			return
		}
		filter.Status = &status
	}

	cases, total, err := h.svc.ListCases(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  cases,
		"total": total,
	})
}

// TransitionRequest asks for a status change
type TransitionRequest struct {
	ToStatus string `json:"to_status"`
	Note     string `json:"note,omitempty"`
}

// TransitionCase moves a case along its pipeline
func (h *Handler) TransitionCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.ToStatus == "" {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"to_status": "to_status is required",
		}))
		return
	}

	c, err := h.svc.TransitionCase(r.Context(), actor, id, domain.CaseStatus(req.ToStatus), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// AmendCase changes descriptive fields without touching status
func (h *Handler) AmendCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	var amendment domain.Amendment
	if err := json.NewDecoder(r.Body).Decode(&amendment); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	c, err := h.svc.AmendCase(r.Context(), actor, id, amendment)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// GetCaseHistory returns both ledgers for a case
func (h *Handler) GetCaseHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	history, err := h.svc.GetCaseHistory(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// ImportCases bulk-creates cases with a partial-success summary
func (h *Handler) ImportCases(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var records []service.CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if len(records) == 0 {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"records": "at least one record is required",
		}))
		return
	}

	summary, err := h.svc.ImportCases(r.Context(), actor, records)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if summary.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, summary)
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
