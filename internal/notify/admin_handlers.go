package notify

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/store"
)

// AdminHandler manages webhook endpoint registrations.
type AdminHandler struct {
	Store Store
}

type createEndpointRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Topics []string `json:"topics"`
}

type endpointResponse struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
	Active bool     `json:"active"`
}

// CreateEndpoint handles POST /api/v1/admin/webhooks.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid JSON body", nil)
		return
	}
	if err := validateURL(req.URL); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, err.Error(), nil)
		return
	}
	if len(req.Secret) < 16 {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "secret must be at least 16 characters", nil)
		return
	}
	topics := req.Topics
	if len(topics) == 0 {
		topics = events.DefaultTopics()
	}
	for _, topic := range topics {
		if !knownTopic(topic) {
			common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "unknown topic: "+topic, nil)
			return
		}
	}
	created, err := h.Store.CreateWebhookEndpoint(r.Context(), req.URL, req.Secret, topics)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": convertEndpoint(created)})
}

// ListEndpoints handles GET /api/v1/admin/webhooks.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.Store.ListWebhookEndpoints(r.Context())
	if err != nil {
		common.RenderError(w, err)
		return
	}
	out := make([]endpointResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, convertEndpoint(ep))
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// SetEndpointActive handles PATCH /api/v1/admin/webhooks/{id}.
func (h *AdminHandler) SetEndpointActive(w http.ResponseWriter, r *http.Request) {
	id, err := store.ToUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "endpoint not found", nil)
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid JSON body", nil)
		return
	}
	if err := h.Store.SetWebhookEndpointActive(r.Context(), id, req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "endpoint not found", nil)
			return
		}
		common.RenderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func knownTopic(topic string) bool {
	for _, known := range events.DefaultTopics() {
		if topic == known {
			return true
		}
	}
	return false
}

func convertEndpoint(ep store.WebhookEndpoint) endpointResponse {
	return endpointResponse{
		ID:     store.UUIDString(ep.ID),
		URL:    ep.URL,
		Topics: ep.Topics,
		Active: ep.Active,
	}
}
