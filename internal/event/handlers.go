package event

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-contest/internal/common"
)

// Handler exposes event endpoints.
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

type createEventRequest struct {
	Slug        string     `json:"slug" validate:"required,max=100"`
	Name        string     `json:"name" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=2000"`
	BaseFee     int64      `json:"base_fee" validate:"min=0"`
	Currency    string     `json:"currency" validate:"required,len=3"`
	OpensAt     *time.Time `json:"opens_at"`
	ClosesAt    *time.Time `json:"closes_at"`
}

type updateFeeRequest struct {
	BaseFee int64 `json:"base_fee" validate:"min=0"`
}

type addRuleRequest struct {
	MinStudents        int32       `json:"min_students" validate:"min=1"`
	DiscountPercentage json.Number `json:"discount_percentage" validate:"required"`
}

// Create handles POST /api/v1/admin/events.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid request payload", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidInput, "invalid event payload", validationDetails(err))
		return
	}
	created, err := h.service.Create(r.Context(), CreateParams{
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		BaseFee:     req.BaseFee,
		Currency:    req.Currency,
		OpensAt:     req.OpensAt,
		ClosesAt:    req.ClosesAt,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": created})
}

// UpdateFee handles PATCH /api/v1/admin/events/{id}/fee.
func (h *Handler) UpdateFee(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	var req updateFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid request payload", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidInput, "invalid fee payload", validationDetails(err))
		return
	}
	updated, err := h.service.UpdateFee(r.Context(), chi.URLParam(r, "id"), req.BaseFee)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": updated})
}

// AddRule handles POST /api/v1/admin/events/{id}/rules.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	var req addRuleRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid request payload", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidInput, "invalid rule payload", validationDetails(err))
		return
	}
	percentage, err := decimal.NewFromString(req.DiscountPercentage.String())
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidInput, "discount_percentage must be a number", nil)
		return
	}
	rule, err := h.service.AddRule(r.Context(), chi.URLParam(r, "id"), req.MinStudents, percentage)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": rule})
}

// RemoveRule handles DELETE /api/v1/admin/events/{id}/rules/{ruleID}.
func (h *Handler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	if err := h.service.RemoveRule(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ruleID")); err != nil {
		common.RenderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/events.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 0)
	offset := int32(0)
	if perPage > 0 {
		offset = int32((page - 1) * perPage)
	}
	items, err := h.service.List(r.Context(), int32(perPage), offset)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Detail handles GET /api/v1/events/{slug}.
func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "event service not configured", nil)
		return
	}
	detail, err := h.service.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detail})
}

func validationDetails(err error) map[string]any {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return nil
	}
	fields := make(map[string]any, len(invalid))
	for _, fe := range invalid {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]any{"fields": fields}
}
