package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/store"
)

const maxWebhookBody = 1 << 20

// Webhook handles asynchronous payment notifications from gateways.
type Webhook struct {
	Store     Store
	RunTx     TxRunner
	Providers map[string]Provider
	Replay    *redis.Client
	ReplayTTL time.Duration
	Events    *events.Bus
	Logger    zerolog.Logger
}

// TxRunner executes fn inside one database transaction.
type TxRunner func(ctx context.Context, fn func(Store) error) error

// ServeHTTP processes POST /webhooks/payments/{provider}.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(chi.URLParam(r, "provider"))
	provider, ok := h.Providers[providerKey]
	if !ok {
		h.record(providerKey, "unknown_provider")
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown payment provider", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.record(providerKey, "read_error")
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "unable to read body", nil)
		return
	}

	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		h.record(providerKey, "verify_error")
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "malformed webhook payload", nil)
		return
	}
	if !result.Valid {
		h.record(providerKey, "invalid_signature")
		h.Logger.Warn().Str("provider", providerKey).Err(result.Err).Msg("webhook signature rejected")
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "invalid signature", nil)
		return
	}

	if h.Replay != nil {
		key := fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		ttl := h.ReplayTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := h.Replay.SetNX(r.Context(), key, "1", ttl).Result()
		if err == nil && !fresh {
			h.record(providerKey, "replay")
			common.JSONError(w, http.StatusConflict, common.CodeConflict, "webhook already processed", nil)
			return
		}
	}

	outcome, err := h.apply(r.Context(), providerKey, result)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			h.record(providerKey, appErr.Code)
			common.RenderError(w, err)
			return
		}
		h.record(providerKey, "error")
		h.Logger.Error().Str("provider", providerKey).Err(err).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "internal error", nil)
		return
	}

	h.record(providerKey, "ok")
	h.emit(r.Context(), outcome)
	w.WriteHeader(http.StatusNoContent)
}

type webhookOutcome struct {
	payment store.Payment
	batch   store.Batch
	status  string
	changed bool
}

func (h *Webhook) apply(ctx context.Context, providerKey string, result WebhookVerifyResult) (webhookOutcome, error) {
	var out webhookOutcome
	work := func(st Store) error {
		payment, err := st.GetPaymentByReference(ctx, result.Reference)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return common.NewAppError(common.CodeNotFound, "payment not found", http.StatusNotFound, err)
			}
			return fmt.Errorf("get payment: %w", err)
		}
		if result.Amount > 0 && result.Amount != payment.Amount {
			return common.NewAppError(common.CodeBadRequest,
				fmt.Sprintf("amount mismatch: expected %d got %d", payment.Amount, result.Amount),
				http.StatusBadRequest, nil)
		}

		next := result.Status
		if next == "" || next == store.PaymentStatusPending {
			out.payment = payment
			out.status = payment.Status
			return nil
		}
		if payment.Status == next {
			out.payment = payment
			out.status = next
			return nil
		}
		if payment.Status == store.PaymentStatusPaid {
			// paid is terminal, late failure notices must not unwind it
			out.payment = payment
			out.status = payment.Status
			return nil
		}

		updated, err := st.UpdatePaymentStatus(ctx, payment.ID, next, result.ProviderPayload)
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if err := st.InsertPaymentEvent(ctx, payment.ID, next, result.ProviderPayload); err != nil {
			return fmt.Errorf("insert payment event: %w", err)
		}

		batch, err := st.GetBatchByID(ctx, payment.BatchID)
		if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}
		switch next {
		case store.PaymentStatusPaid:
			if batch.Status == store.BatchStatusPendingPayment {
				batch, err = st.UpdateBatchStatus(ctx, batch.ID, store.BatchStatusPaid)
				if err != nil {
					return fmt.Errorf("update batch status: %w", err)
				}
			}
		case store.PaymentStatusFailed, store.PaymentStatusExpired:
			if batch.Status == store.BatchStatusPendingPayment {
				batch, err = st.UpdateBatchStatus(ctx, batch.ID, store.BatchStatusCanceled)
				if err != nil {
					return fmt.Errorf("update batch status: %w", err)
				}
			}
		}

		out.payment = updated
		out.batch = batch
		out.status = next
		out.changed = true
		return nil
	}

	var err error
	if h.RunTx != nil {
		err = h.RunTx(ctx, work)
	} else {
		err = work(h.Store)
	}
	return out, err
}

func (h *Webhook) emit(ctx context.Context, out webhookOutcome) {
	if !out.changed || h.Events == nil {
		return
	}
	var topic string
	switch out.status {
	case store.PaymentStatusPaid:
		topic = events.TopicPaymentPaid
	case store.PaymentStatusFailed:
		topic = events.TopicPaymentFailed
	case store.PaymentStatusExpired:
		topic = events.TopicPaymentExpired
	default:
		return
	}
	payload := map[string]any{
		"paymentReference": out.payment.Reference,
		"batchId":          store.UUIDString(out.payment.BatchID),
		"batchReference":   out.batch.Reference,
		"schoolId":         store.UUIDString(out.batch.SchoolID),
		"amount":           out.payment.Amount,
		"currency":         out.payment.Currency,
		"status":           out.status,
	}
	if _, err := h.Events.Emit(ctx, topic, out.payment.BatchID, payload); err != nil {
		h.Logger.Error().Str("topic", topic).Err(err).Msg("emit payment event")
	}
}

func (h *Webhook) record(provider, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}
