package invoice

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-contest/internal/common"
)

// Handler exposes the authenticated invoice endpoints.
type Handler struct {
	Service *Service
}

// List handles GET /api/v1/invoices.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	invoices, err := h.Service.List(r.Context(), schoolID, queryInt32(r, "limit"), queryInt32(r, "offset"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": invoices})
}

// ForBatch handles GET /api/v1/batches/{batchID}/invoice.
func (h *Handler) ForBatch(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	inv, err := h.Service.ForBatch(r.Context(), schoolID, chi.URLParam(r, "batchID"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": inv})
}

func queryInt32(r *http.Request, key string) int32 {
	return int32(common.AtoiDefault(r.URL.Query().Get(key), 0))
}
