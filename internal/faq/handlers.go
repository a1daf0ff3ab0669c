package faq

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-contest/internal/common"
)

// Handler exposes FAQ search and admin CRUD.
type Handler struct {
	Service *Service
}

type searchRequest struct {
	Question string `json:"question"`
}

type upsertRequest struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords"`
}

// Search handles POST /api/v1/faq/search (public).
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid JSON body", nil)
		return
	}
	matches, err := h.Service.Search(r.Context(), req.Question)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": matches})
}

// List handles GET /api/v1/admin/faqs.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.List(r.Context())
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

// Create handles POST /api/v1/admin/faqs.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid JSON body", nil)
		return
	}
	entry, err := h.Service.Create(r.Context(), req.Question, req.Answer, req.Keywords)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": entry})
}

// Update handles PUT /api/v1/admin/faqs/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid JSON body", nil)
		return
	}
	entry, err := h.Service.Update(r.Context(), chi.URLParam(r, "id"), req.Question, req.Answer, req.Keywords)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entry})
}

// Delete handles DELETE /api/v1/admin/faqs/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		common.RenderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
