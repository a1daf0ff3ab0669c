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
	"strconv"
	"strings"
	"time"
)

// Stripe implements the Provider interface for a payment-intent style integration.
type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// CreateIntent issues a minimal intent-like response without performing a network call.
// The real implementation should call the Stripe API, but for integration tests we
// synthesise a deterministic token to drive the rest of the flow.
func (s Stripe) CreateIntent(_ context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return IntentResponse{}, errors.New("reference is required")
	}
	token := fmt.Sprintf("pi_%s", req.Reference)
	expiresAt := time.Now().Add(time.Duration(req.ExpiresAtSec) * time.Second)
	return IntentResponse{
		Provider:    "stripe",
		Token:       token,
		RedirectURL: fmt.Sprintf("%s/pay/%s", strings.TrimRight(s.host(), "/"), token),
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

func (s Stripe) host() string {
	host := strings.TrimSpace(s.BaseURL)
	if host == "" {
		return "https://checkout.stripe.com"
	}
	return host
}

// VerifyWebhook validates the Stripe-Signature header and normalises the payload.
// The signature scheme is "t=<unix>,v1=<hex hmac-sha256 of t.body>".
func (s Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error) {
	header := strings.TrimSpace(r.Header.Get("Stripe-Signature"))
	timestamp, provided := parseStripeSignature(header)
	if timestamp == "" || provided == "" {
		return WebhookVerifyResult{Valid: false, Err: errors.New("malformed signature header")}, nil
	}
	expected := s.computeSignature(timestamp, body)
	if expected == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookVerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Metadata struct {
					Reference string `json:"reference"`
				} `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}
	if payload.Data.Object.Metadata.Reference == "" {
		return WebhookVerifyResult{Valid: false, Err: errors.New("missing payment reference")}, nil
	}

	return WebhookVerifyResult{
		Valid:           true,
		Reference:       payload.Data.Object.Metadata.Reference,
		Amount:          payload.Data.Object.Amount,
		Status:          normaliseStripeEvent(payload.Type),
		ProviderPayload: body,
	}, nil
}

func parseStripeSignature(header string) (timestamp, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			if _, err := strconv.ParseInt(value, 10, 64); err == nil {
				timestamp = value
			}
		case "v1":
			if v1 == "" {
				v1 = value
			}
		}
	}
	return timestamp, v1
}

func (s Stripe) computeSignature(timestamp string, body []byte) string {
	key := strings.TrimSpace(s.WebhookSecret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseStripeEvent(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "payment_intent.succeeded", "checkout.session.completed":
		return "PAID"
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return "FAILED"
	case "checkout.session.expired":
		return "EXPIRED"
	default:
		return "PENDING"
	}
}
