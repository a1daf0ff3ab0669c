package invoice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/store"
)

type stubStore struct {
	school   store.School
	batches  map[string]store.Batch
	invoices map[string]store.Invoice
	counters map[string]int
}

func newStubStore() *stubStore {
	return &stubStore{
		school: store.School{
			ID:   pgtype.UUID{Bytes: uuid.New(), Valid: true},
			Code: "ABC123",
			Name: "Test School",
		},
		batches:  map[string]store.Batch{},
		invoices: map[string]store.Invoice{},
		counters: map[string]int{},
	}
}

func (s *stubStore) addBatch(total int64) store.Batch {
	row := store.Batch{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Reference:   "BATCH-TEST-00001",
		SchoolID:    s.school.ID,
		TotalAmount: total,
		Currency:    "INR",
		Status:      store.BatchStatusPaid,
	}
	s.batches[store.UUIDString(row.ID)] = row
	return row
}

func (s *stubStore) NextInvoiceSequence(_ context.Context, schoolID pgtype.UUID) (int, error) {
	key := store.UUIDString(schoolID)
	s.counters[key]++
	return s.counters[key], nil
}

func (s *stubStore) CreateInvoice(_ context.Context, number string, schoolID, batchID pgtype.UUID, amount int64, curr string) (store.Invoice, error) {
	row := store.Invoice{
		ID:       pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Number:   number,
		SchoolID: schoolID,
		BatchID:  batchID,
		Amount:   amount,
		Currency: curr,
		IssuedAt: time.Now(),
	}
	s.invoices[store.UUIDString(batchID)] = row
	return row, nil
}

func (s *stubStore) GetInvoiceByBatch(_ context.Context, batchID pgtype.UUID) (store.Invoice, error) {
	row, ok := s.invoices[store.UUIDString(batchID)]
	if !ok {
		return store.Invoice{}, store.ErrNotFound
	}
	return row, nil
}

func (s *stubStore) ListInvoicesBySchool(_ context.Context, schoolID pgtype.UUID, _, _ int32) ([]store.Invoice, error) {
	var out []store.Invoice
	for _, row := range s.invoices {
		if store.UUIDEqual(row.SchoolID, schoolID) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubStore) GetSchoolByID(_ context.Context, id pgtype.UUID) (store.School, error) {
	if !store.UUIDEqual(id, s.school.ID) {
		return store.School{}, store.ErrNotFound
	}
	return s.school, nil
}

func (s *stubStore) GetBatchByID(_ context.Context, id pgtype.UUID) (store.Batch, error) {
	row, ok := s.batches[store.UUIDString(id)]
	if !ok {
		return store.Batch{}, store.ErrNotFound
	}
	return row, nil
}

type captureEventStore struct {
	topics []string
}

func (s *captureEventStore) InsertDomainEvent(_ context.Context, topic string, _ pgtype.UUID, payload []byte) (store.DomainEvent, error) {
	s.topics = append(s.topics, topic)
	return store.DomainEvent{Topic: topic, Payload: payload}, nil
}

func TestIssueForBatchNumbersSequentially(t *testing.T) {
	st := newStubStore()
	es := &captureEventStore{}
	svc := &Service{Store: st, Events: &events.Bus{Store: es}}

	first := st.addBatch(180000)
	second := st.addBatch(90000)

	inv1, err := svc.IssueForBatch(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, "INV-ABC123-0001", inv1.Number)
	require.Equal(t, int64(180000), inv1.Amount)

	inv2, err := svc.IssueForBatch(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, "INV-ABC123-0002", inv2.Number)

	require.Equal(t, []string{events.TopicInvoiceIssued, events.TopicInvoiceIssued}, es.topics)
}

func TestIssueForBatchIsIdempotent(t *testing.T) {
	st := newStubStore()
	es := &captureEventStore{}
	svc := &Service{Store: st, Events: &events.Bus{Store: es}}
	batch := st.addBatch(180000)

	inv1, err := svc.IssueForBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	inv2, err := svc.IssueForBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, inv1.Number, inv2.Number)
	require.Len(t, st.invoices, 1)
	// the second call must not emit another issued event
	require.Len(t, es.topics, 1)
}

func TestNotifyIssuesOnPaymentPaid(t *testing.T) {
	st := newStubStore()
	svc := &Service{Store: st}
	batch := st.addBatch(180000)

	payload, err := json.Marshal(map[string]string{"batchId": store.UUIDString(batch.ID)})
	require.NoError(t, err)
	err = svc.Notify(context.Background(), store.DomainEvent{
		Topic:   events.TopicPaymentPaid,
		Payload: payload,
	})
	require.NoError(t, err)
	require.Len(t, st.invoices, 1)

	// unrelated topics are ignored
	err = svc.Notify(context.Background(), store.DomainEvent{Topic: events.TopicBatchCreated, Payload: payload})
	require.NoError(t, err)
	require.Len(t, st.invoices, 1)
}

func TestForBatchScopedToOwningSchool(t *testing.T) {
	st := newStubStore()
	svc := &Service{Store: st}
	batch := st.addBatch(180000)
	_, err := svc.IssueForBatch(context.Background(), batch.ID)
	require.NoError(t, err)

	inv, err := svc.ForBatch(context.Background(), store.UUIDString(st.school.ID), store.UUIDString(batch.ID))
	require.NoError(t, err)
	require.Equal(t, "INV-ABC123-0001", inv.Number)
	require.Equal(t, "₹1,800.00", inv.AmountDisplay)

	_, err = svc.ForBatch(context.Background(), uuid.NewString(), store.UUIDString(batch.ID))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeNotFound, appErr.Code)
}
