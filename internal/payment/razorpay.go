package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Razorpay implements the Provider interface for an order/checkout style integration.
type Razorpay struct {
	KeyID     string
	KeySecret string
	BaseURL   string
}

// CreateIntent builds a deterministic order identifier for testing purposes.
func (rz Razorpay) CreateIntent(_ context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return IntentResponse{}, errors.New("reference is required")
	}
	token := fmt.Sprintf("order_%s", req.Reference)
	expiresAt := time.Now().Add(time.Duration(req.ExpiresAtSec) * time.Second)
	host := strings.TrimRight(strings.TrimSpace(rz.BaseURL), "/")
	if host == "" {
		host = "https://checkout.razorpay.com"
	}
	return IntentResponse{
		Provider:    "razorpay",
		Token:       token,
		RedirectURL: fmt.Sprintf("%s/v1/checkout/%s", host, token),
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

// VerifyWebhook validates the X-Razorpay-Signature header and normalises the payload.
func (rz Razorpay) VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error) {
	expected := rz.computeSignature(body)
	provided := strings.TrimSpace(r.Header.Get("X-Razorpay-Signature"))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookVerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity struct {
					ID     string `json:"id"`
					Amount int64  `json:"amount"`
					Notes  struct {
						Reference string `json:"reference"`
					} `json:"notes"`
				} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}
	if payload.Payload.Payment.Entity.Notes.Reference == "" {
		return WebhookVerifyResult{Valid: false, Err: errors.New("missing payment reference")}, nil
	}

	return WebhookVerifyResult{
		Valid:           true,
		Reference:       payload.Payload.Payment.Entity.Notes.Reference,
		Amount:          payload.Payload.Payment.Entity.Amount,
		Status:          normaliseRazorpayEvent(payload.Event),
		ProviderPayload: body,
	}, nil
}

func (rz Razorpay) computeSignature(body []byte) string {
	key := strings.TrimSpace(rz.KeySecret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseRazorpayEvent(event string) string {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "payment.captured", "order.paid":
		return "PAID"
	case "payment.failed":
		return "FAILED"
	case "payment.expired":
		return "EXPIRED"
	default:
		return "PENDING"
	}
}
