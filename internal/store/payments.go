package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Payment statuses.
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "PAID"
	PaymentStatusFailed  = "FAILED"
	PaymentStatusExpired = "EXPIRED"
)

// Payment records one gateway intent for a batch.
type Payment struct {
	ID              pgtype.UUID
	Reference       string
	BatchID         pgtype.UUID
	Provider        string
	Status          string
	Amount          int64
	Currency        string
	IntentToken     pgtype.Text
	RedirectURL     pgtype.Text
	ProviderPayload []byte
	ExpiresAt       pgtype.Timestamptz
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreatePaymentParams captures a freshly opened gateway intent.
type CreatePaymentParams struct {
	Reference       string
	BatchID         pgtype.UUID
	Provider        string
	Status          string
	Amount          int64
	Currency        string
	IntentToken     string
	RedirectURL     string
	ProviderPayload []byte
	ExpiresAt       pgtype.Timestamptz
}

const paymentColumns = `id, reference, batch_id, provider, status, amount, currency,
	intent_token, redirect_url, provider_payload, expires_at, created_at, updated_at`

// CreatePayment inserts a payment intent row.
func (s *Store) CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO payments (reference, batch_id, provider, status, amount, currency,
			intent_token, redirect_url, provider_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+paymentColumns,
		arg.Reference, arg.BatchID, arg.Provider, arg.Status, arg.Amount, arg.Currency,
		textOrNull(arg.IntentToken), textOrNull(arg.RedirectURL), arg.ProviderPayload, arg.ExpiresAt)
	return scanPayment(row)
}

// GetLatestPaymentByBatch returns the most recent payment for a batch.
func (s *Store) GetLatestPaymentByBatch(ctx context.Context, batchID pgtype.UUID) (Payment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE batch_id = $1 ORDER BY created_at DESC LIMIT 1`,
		batchID)
	return scanPayment(row)
}

// GetPaymentByReference fetches a payment by its external reference.
func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
	return scanPayment(row)
}

// UpdatePaymentStatus transitions a payment and stores the raw payload.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id pgtype.UUID, status string, payload []byte) (Payment, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE payments SET status = $2, provider_payload = COALESCE($3, provider_payload), updated_at = now()
		WHERE id = $1
		RETURNING `+paymentColumns,
		id, status, payload)
	return scanPayment(row)
}

// InsertPaymentEvent appends to the payment's status history.
func (s *Store) InsertPaymentEvent(ctx context.Context, paymentID pgtype.UUID, status string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_events (payment_id, status, payload) VALUES ($1, $2, $3)`,
		paymentID, status, payload)
	return err
}

func scanPayment(row interface{ Scan(...any) error }) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Reference, &p.BatchID, &p.Provider, &p.Status, &p.Amount, &p.Currency,
		&p.IntentToken, &p.RedirectURL, &p.ProviderPayload, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, notFound(err)
	}
	return p, nil
}
