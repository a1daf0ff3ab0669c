package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Invoice is the immutable billing record issued once a batch is paid.
type Invoice struct {
	ID       pgtype.UUID
	Number   string
	SchoolID pgtype.UUID
	BatchID  pgtype.UUID
	Amount   int64
	Currency string
	IssuedAt time.Time
}

const invoiceColumns = `id, number, school_id, batch_id, amount, currency, issued_at`

// NextInvoiceSequence atomically advances and returns the school-scoped
// invoice counter. The upsert keeps sequences dense per school even under
// concurrent issuance.
func (s *Store) NextInvoiceSequence(ctx context.Context, schoolID pgtype.UUID) (int, error) {
	var seq int
	err := s.db.QueryRow(ctx, `
		INSERT INTO invoice_counters (school_id, seq) VALUES ($1, 1)
		ON CONFLICT (school_id) DO UPDATE SET seq = invoice_counters.seq + 1
		RETURNING seq`,
		schoolID).Scan(&seq)
	return seq, err
}

// CreateInvoice inserts an invoice; the unique constraint on batch_id
// makes issuance idempotent per batch.
func (s *Store) CreateInvoice(ctx context.Context, number string, schoolID, batchID pgtype.UUID, amount int64, currency string) (Invoice, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO invoices (number, school_id, batch_id, amount, currency)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+invoiceColumns,
		number, schoolID, batchID, amount, currency)
	return scanInvoice(row)
}

// GetInvoiceByBatch fetches the invoice issued for a batch.
func (s *Store) GetInvoiceByBatch(ctx context.Context, batchID pgtype.UUID) (Invoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE batch_id = $1`, batchID)
	return scanInvoice(row)
}

// ListInvoicesBySchool returns a school's invoices newest first.
func (s *Store) ListInvoicesBySchool(ctx context.Context, schoolID pgtype.UUID, limit, offset int32) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE school_id = $1 ORDER BY issued_at DESC LIMIT $2 OFFSET $3`,
		schoolID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row interface{ Scan(...any) error }) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.SchoolID, &inv.BatchID, &inv.Amount, &inv.Currency, &inv.IssuedAt)
	if err != nil {
		return Invoice{}, notFound(err)
	}
	return inv, nil
}
