package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/currency"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/refcode"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations invoicing needs.
type Store interface {
	NextInvoiceSequence(ctx context.Context, schoolID pgtype.UUID) (int, error)
	CreateInvoice(ctx context.Context, number string, schoolID, batchID pgtype.UUID, amount int64, currency string) (store.Invoice, error)
	GetInvoiceByBatch(ctx context.Context, batchID pgtype.UUID) (store.Invoice, error)
	ListInvoicesBySchool(ctx context.Context, schoolID pgtype.UUID, limit, offset int32) ([]store.Invoice, error)
	GetSchoolByID(ctx context.Context, id pgtype.UUID) (store.School, error)
	GetBatchByID(ctx context.Context, id pgtype.UUID) (store.Batch, error)
}

// Service issues and serves invoices.
type Service struct {
	Store  Store
	Events *events.Bus
	Logger zerolog.Logger
}

// Invoice is the API representation of an issued invoice.
type Invoice struct {
	ID            string    `json:"id"`
	Number        string    `json:"number"`
	BatchID       string    `json:"batch_id"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	Currency      string    `json:"currency"`
	IssuedAt      time.Time `json:"issued_at"`
}

// IssueForBatch creates the invoice for a settled batch. Calling it twice for
// the same batch returns the previously issued invoice.
func (s *Service) IssueForBatch(ctx context.Context, batchID pgtype.UUID) (store.Invoice, error) {
	if existing, err := s.Store.GetInvoiceByBatch(ctx, batchID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}

	batch, err := s.Store.GetBatchByID(ctx, batchID)
	if err != nil {
		return store.Invoice{}, fmt.Errorf("get batch: %w", err)
	}
	school, err := s.Store.GetSchoolByID(ctx, batch.SchoolID)
	if err != nil {
		return store.Invoice{}, fmt.Errorf("get school: %w", err)
	}
	seq, err := s.Store.NextInvoiceSequence(ctx, batch.SchoolID)
	if err != nil {
		return store.Invoice{}, fmt.Errorf("next invoice sequence: %w", err)
	}
	number, err := refcode.InvoiceNumber(school.Code, seq)
	if err != nil {
		return store.Invoice{}, err
	}

	created, err := s.Store.CreateInvoice(ctx, number, batch.SchoolID, batch.ID, batch.TotalAmount, batch.Currency)
	if err != nil {
		// lost a race with a concurrent webhook delivery
		if store.IsUniqueViolation(err, "invoices_batch_id_key") {
			return s.Store.GetInvoiceByBatch(ctx, batchID)
		}
		return store.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	if obs.InvoiceIssuedTotal != nil {
		obs.InvoiceIssuedTotal.WithLabelValues(created.Currency).Inc()
	}
	if s.Events != nil {
		payload := map[string]any{
			"invoiceNumber": created.Number,
			"batchId":       store.UUIDString(created.BatchID),
			"schoolId":      store.UUIDString(created.SchoolID),
			"amount":        created.Amount,
			"currency":      created.Currency,
		}
		if _, err := s.Events.Emit(ctx, events.TopicInvoiceIssued, created.BatchID, payload); err != nil {
			s.Logger.Error().Str("invoice", created.Number).Err(err).Msg("emit invoice event")
		}
	}
	return created, nil
}

// ForBatch returns the invoice for a batch owned by the calling school.
func (s *Service) ForBatch(ctx context.Context, schoolID, batchID string) (Invoice, error) {
	var zero Invoice
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return zero, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	bid, err := store.ToUUID(batchID)
	if err != nil {
		return zero, common.NewAppError(common.CodeNotFound, "invoice not found", http.StatusNotFound, err)
	}
	inv, err := s.Store.GetInvoiceByBatch(ctx, bid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, common.NewAppError(common.CodeNotFound, "invoice not found", http.StatusNotFound, err)
		}
		return zero, fmt.Errorf("get invoice: %w", err)
	}
	if !store.UUIDEqual(inv.SchoolID, sid) {
		return zero, common.NewAppError(common.CodeNotFound, "invoice not found", http.StatusNotFound, nil)
	}
	return convert(inv), nil
}

// List returns the calling school's invoices newest first.
func (s *Service) List(ctx context.Context, schoolID string, limit, offset int32) ([]Invoice, error) {
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return nil, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.Store.ListInvoicesBySchool(ctx, sid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	out := make([]Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, convert(row))
	}
	return out, nil
}

// Notify implements the event bus notifier: settled payments trigger issuance.
func (s *Service) Notify(ctx context.Context, event store.DomainEvent) error {
	if event.Topic != events.TopicPaymentPaid {
		return nil
	}
	var payload struct {
		BatchID string `json:"batchId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode payment payload: %w", err)
	}
	bid, err := store.ToUUID(payload.BatchID)
	if err != nil {
		return fmt.Errorf("parse batch id: %w", err)
	}
	_, err = s.IssueForBatch(ctx, bid)
	return err
}

func convert(inv store.Invoice) Invoice {
	out := Invoice{
		ID:       store.UUIDString(inv.ID),
		Number:   inv.Number,
		BatchID:  store.UUIDString(inv.BatchID),
		Amount:   inv.Amount,
		Currency: inv.Currency,
		IssuedAt: inv.IssuedAt,
	}
	if display, err := currency.FormatMinor(inv.Amount, inv.Currency); err == nil {
		out.AmountDisplay = display
	}
	return out
}
