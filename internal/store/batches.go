package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Batch statuses.
const (
	BatchStatusPendingPayment = "PENDING_PAYMENT"
	BatchStatusPaid           = "PAID"
	BatchStatusCanceled       = "CANCELED"
)

// Batch is a school's grouped registration of students for one event.
// The pricing breakdown is frozen at creation time for audit immutability.
type Batch struct {
	ID             pgtype.UUID
	Reference      string
	SchoolID       pgtype.UUID
	EventID        pgtype.UUID
	StudentCount   int32
	BaseAmount     int64
	DiscountBps    int32
	DiscountAmount int64
	TotalAmount    int64
	Currency       string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchStudent is one roster entry within a batch.
type BatchStudent struct {
	ID        pgtype.UUID
	BatchID   pgtype.UUID
	Reference string
	Name      string
	Grade     pgtype.Text
	CreatedAt time.Time
}

// CreateBatchParams freezes the computed pricing on the batch row.
type CreateBatchParams struct {
	Reference      string
	SchoolID       pgtype.UUID
	EventID        pgtype.UUID
	StudentCount   int32
	BaseAmount     int64
	DiscountBps    int32
	DiscountAmount int64
	TotalAmount    int64
	Currency       string
}

const batchColumns = `id, reference, school_id, event_id, student_count, base_amount,
	discount_bps, discount_amount, total_amount, currency, status, created_at, updated_at`

// CreateBatch inserts a batch with its frozen pricing breakdown.
func (s *Store) CreateBatch(ctx context.Context, arg CreateBatchParams) (Batch, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO batches (reference, school_id, event_id, student_count, base_amount,
			discount_bps, discount_amount, total_amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+batchColumns,
		arg.Reference, arg.SchoolID, arg.EventID, arg.StudentCount, arg.BaseAmount,
		arg.DiscountBps, arg.DiscountAmount, arg.TotalAmount, arg.Currency, BatchStatusPendingPayment)
	return scanBatch(row)
}

// AddBatchStudent appends a roster entry to a batch.
func (s *Store) AddBatchStudent(ctx context.Context, batchID pgtype.UUID, reference, name, grade string) (BatchStudent, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO batch_students (batch_id, reference, name, grade)
		VALUES ($1, $2, $3, $4)
		RETURNING id, batch_id, reference, name, grade, created_at`,
		batchID, reference, name, textOrNull(grade))
	var st BatchStudent
	if err := row.Scan(&st.ID, &st.BatchID, &st.Reference, &st.Name, &st.Grade, &st.CreatedAt); err != nil {
		return BatchStudent{}, notFound(err)
	}
	return st, nil
}

// GetBatchByID fetches a batch by primary key.
func (s *Store) GetBatchByID(ctx context.Context, id pgtype.UUID) (Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

// GetBatchByReference fetches a batch by its external reference.
func (s *Store) GetBatchByReference(ctx context.Context, reference string) (Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE reference = $1`, reference)
	return scanBatch(row)
}

// ListBatchesBySchool returns a school's batches newest first.
func (s *Store) ListBatchesBySchool(ctx context.Context, schoolID pgtype.UUID, limit, offset int32) ([]Batch, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE school_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		schoolID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListBatchStudents returns the roster of a batch in insertion order.
func (s *Store) ListBatchStudents(ctx context.Context, batchID pgtype.UUID) ([]BatchStudent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, batch_id, reference, name, grade, created_at
		FROM batch_students WHERE batch_id = $1 ORDER BY created_at ASC`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []BatchStudent
	for rows.Next() {
		var st BatchStudent
		if err := rows.Scan(&st.ID, &st.BatchID, &st.Reference, &st.Name, &st.Grade, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// UpdateBatchStatus transitions a batch's status.
func (s *Store) UpdateBatchStatus(ctx context.Context, id pgtype.UUID, status string) (Batch, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE batches SET status = $2, updated_at = now() WHERE id = $1
		RETURNING `+batchColumns,
		id, status)
	return scanBatch(row)
}

func scanBatch(row interface{ Scan(...any) error }) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Reference, &b.SchoolID, &b.EventID, &b.StudentCount, &b.BaseAmount,
		&b.DiscountBps, &b.DiscountAmount, &b.TotalAmount, &b.Currency, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Batch{}, notFound(err)
	}
	return b, nil
}
