package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/refcode"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations the payment service needs.
type Store interface {
	GetBatchByID(ctx context.Context, id pgtype.UUID) (store.Batch, error)
	GetBatchByReference(ctx context.Context, reference string) (store.Batch, error)
	UpdateBatchStatus(ctx context.Context, id pgtype.UUID, status string) (store.Batch, error)
	CreatePayment(ctx context.Context, arg store.CreatePaymentParams) (store.Payment, error)
	GetLatestPaymentByBatch(ctx context.Context, batchID pgtype.UUID) (store.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (store.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id pgtype.UUID, status string, payload []byte) (store.Payment, error)
	InsertPaymentEvent(ctx context.Context, paymentID pgtype.UUID, status string, payload []byte) error
}

// Service coordinates payment intents and status retrieval.
type Service struct {
	Store           Store
	Provider        Provider
	IntentTTL       time.Duration
	CallbackBaseURL string
}

// Intent is the API payload for an opened payment intent.
type Intent struct {
	Reference   string     `json:"reference"`
	BatchID     string     `json:"batch_id"`
	Provider    string     `json:"provider"`
	Status      string     `json:"status"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Token       string     `json:"token,omitempty"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CreateIntent creates (or reuses) a payment intent for the batch's frozen total.
func (s *Service) CreateIntent(ctx context.Context, schoolID, batchID string) (Intent, error) {
	var zero Intent
	if s == nil || s.Store == nil || s.Provider == nil {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	start := time.Now()
	providerName := inferProviderName(s.Provider)
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.Float64("payment.intent.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.intent.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(providerName, result).Inc()
		}
	}()

	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return zero, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	bid, err := store.ToUUID(batchID)
	if err != nil {
		return zero, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
	}
	span.SetAttributes(attribute.String("batch.id", batchID))

	batch, err := s.Store.GetBatchByID(ctx, bid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
		}
		return zero, fmt.Errorf("get batch: %w", err)
	}
	if !store.UUIDEqual(batch.SchoolID, sid) {
		return zero, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, nil)
	}
	if batch.Status != store.BatchStatusPendingPayment {
		return zero, common.NewAppError(common.CodeConflict,
			fmt.Sprintf("batch status %s does not allow new intents", batch.Status), http.StatusConflict, nil)
	}

	existing, err := s.Store.GetLatestPaymentByBatch(ctx, bid)
	if err == nil {
		if existing.Status == store.PaymentStatusPaid {
			return zero, common.NewAppError(common.CodeConflict, "batch is already paid", http.StatusConflict, nil)
		}
		if existing.Status == store.PaymentStatusPending {
			if !existing.ExpiresAt.Valid || existing.ExpiresAt.Time.After(time.Now()) {
				providerName = normaliseLabel(existing.Provider)
				result = "reused"
				return convertIntent(existing), nil
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return zero, fmt.Errorf("get latest payment: %w", err)
	}

	reference, err := refcode.TimestampedReference(refcode.PrefixPayment)
	if err != nil {
		return zero, fmt.Errorf("generate payment reference: %w", err)
	}
	ttl := s.IntentTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req := IntentRequest{
		Reference:       reference,
		Amount:          batch.TotalAmount,
		Currency:        batch.Currency,
		ExpiresAtSec:    int(ttl.Seconds()),
		CallbackBaseURL: s.CallbackBaseURL,
	}
	resp, err := s.Provider.CreateIntent(ctx, req)
	if err != nil {
		span.RecordError(err)
		return zero, fmt.Errorf("provider create intent: %w", err)
	}
	if resp.Provider != "" {
		providerName = normaliseLabel(resp.Provider)
	}
	result = "success"

	payload := toJSON(map[string]any{
		"request":  req,
		"response": resp,
	})
	expiresAt := pgtype.Timestamptz{Valid: true, Time: time.Now().Add(ttl)}
	if resp.ExpiresAt > 0 {
		expiresAt.Time = time.Unix(resp.ExpiresAt, 0)
	}
	created, err := s.Store.CreatePayment(ctx, store.CreatePaymentParams{
		Reference:       reference,
		BatchID:         bid,
		Provider:        providerName,
		Status:          store.PaymentStatusPending,
		Amount:          batch.TotalAmount,
		Currency:        batch.Currency,
		IntentToken:     resp.Token,
		RedirectURL:     resp.RedirectURL,
		ProviderPayload: payload,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return zero, fmt.Errorf("create payment: %w", err)
	}
	_ = s.Store.InsertPaymentEvent(ctx, created.ID, store.PaymentStatusPending, payload)
	return convertIntent(created), nil
}

// Status returns the best-known payment status for a batch.
func (s *Service) Status(ctx context.Context, schoolID, batchID string) (string, error) {
	if s == nil || s.Store == nil {
		return "", errors.New("payment service not configured")
	}
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	bid, err := store.ToUUID(batchID)
	if err != nil {
		return "", common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
	}
	batch, err := s.Store.GetBatchByID(ctx, bid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
		}
		return "", fmt.Errorf("get batch: %w", err)
	}
	if !store.UUIDEqual(batch.SchoolID, sid) {
		return "", common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, nil)
	}
	payment, err := s.Store.GetLatestPaymentByBatch(ctx, bid)
	if err == nil {
		return payment.Status, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("get latest payment: %w", err)
	}
	switch batch.Status {
	case store.BatchStatusPaid:
		return store.PaymentStatusPaid, nil
	case store.BatchStatusCanceled:
		return store.PaymentStatusFailed, nil
	default:
		return store.PaymentStatusPending, nil
	}
}

func convertIntent(p store.Payment) Intent {
	out := Intent{
		Reference: p.Reference,
		BatchID:   store.UUIDString(p.BatchID),
		Provider:  p.Provider,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
	if p.IntentToken.Valid {
		out.Token = p.IntentToken.String
	}
	if p.RedirectURL.Valid {
		out.RedirectURL = p.RedirectURL.String
	}
	if p.ExpiresAt.Valid {
		t := p.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out
}

func inferProviderName(p Provider) string {
	switch p.(type) {
	case Stripe, *Stripe:
		return "stripe"
	case Razorpay, *Razorpay:
		return "razorpay"
	default:
		return "unknown"
	}
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
