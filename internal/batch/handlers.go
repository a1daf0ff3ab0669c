package batch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-contest/internal/common"
)

// Handler exposes batch registration endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service  *Service
	Validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	validate := cfg.Validate
	if validate == nil {
		validate = validator.New()
	}
	return &Handler{service: cfg.Service, validate: validate}
}

// Create handles POST /api/v1/batches.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "batch service not configured", nil)
		return
	}
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid request payload", nil)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidInput, "invalid batch payload", nil)
		return
	}
	created, err := h.service.Create(r.Context(), schoolID, in)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": created})
}

// Preview handles POST /api/v1/batches/preview.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "batch service not configured", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid request payload", nil)
		return
	}
	preview, err := h.service.Quote(r.Context(), in)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": preview})
}

// List handles GET /api/v1/batches.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "batch service not configured", nil)
		return
	}
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
		return
	}
	limit := queryInt32(r, "limit")
	offset := queryInt32(r, "offset")
	items, err := h.service.List(r.Context(), schoolID, limit, offset)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// IssueCertificates handles POST /api/v1/admin/batches/{batchID}/certificates.
func (h *Handler) IssueCertificates(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "batch service not configured", nil)
		return
	}
	if err := h.service.IssueCertificates(r.Context(), chi.URLParam(r, "batchID")); err != nil {
		common.RenderError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Get handles GET /api/v1/batches/{batchID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "batch service not configured", nil)
		return
	}
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
		return
	}
	item, err := h.service.Get(r.Context(), schoolID, chi.URLParam(r, "batchID"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": item})
}

func queryInt32(r *http.Request, key string) int32 {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 32)
	if err != nil || parsed < 0 {
		return 0
	}
	return int32(parsed)
}
