package batch

import (
	"context"
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
	event    store.Event
	rules    []store.DiscountRule
	batches  map[string]store.Batch
	students map[string][]store.BatchStudent
}

func newStubStore() *stubStore {
	eventID := pgtype.UUID{Bytes: uuid.New(), Valid: true}
	return &stubStore{
		event: store.Event{
			ID:       eventID,
			Slug:     "math-olympiad",
			Name:     "Math Olympiad",
			BaseFee:  10000,
			Currency: "INR",
		},
		rules: []store.DiscountRule{
			{ID: pgtype.UUID{Bytes: uuid.New(), Valid: true}, EventID: eventID, MinStudents: 10, PercentBps: 1000},
			{ID: pgtype.UUID{Bytes: uuid.New(), Valid: true}, EventID: eventID, MinStudents: 25, PercentBps: 2000},
		},
		batches:  map[string]store.Batch{},
		students: map[string][]store.BatchStudent{},
	}
}

func (s *stubStore) GetEventBySlug(_ context.Context, slug string) (store.Event, error) {
	if slug != s.event.Slug {
		return store.Event{}, store.ErrNotFound
	}
	return s.event, nil
}

func (s *stubStore) ListDiscountRules(_ context.Context, _ pgtype.UUID) ([]store.DiscountRule, error) {
	return s.rules, nil
}

func (s *stubStore) CreateBatch(_ context.Context, arg store.CreateBatchParams) (store.Batch, error) {
	row := store.Batch{
		ID:             pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Reference:      arg.Reference,
		SchoolID:       arg.SchoolID,
		EventID:        arg.EventID,
		StudentCount:   arg.StudentCount,
		BaseAmount:     arg.BaseAmount,
		DiscountBps:    arg.DiscountBps,
		DiscountAmount: arg.DiscountAmount,
		TotalAmount:    arg.TotalAmount,
		Currency:       arg.Currency,
		Status:         store.BatchStatusPendingPayment,
		CreatedAt:      time.Now(),
	}
	s.batches[store.UUIDString(row.ID)] = row
	return row, nil
}

func (s *stubStore) AddBatchStudent(_ context.Context, batchID pgtype.UUID, reference, name, grade string) (store.BatchStudent, error) {
	row := store.BatchStudent{
		ID:        pgtype.UUID{Bytes: uuid.New(), Valid: true},
		BatchID:   batchID,
		Reference: reference,
		Name:      name,
	}
	if grade != "" {
		row.Grade = pgtype.Text{String: grade, Valid: true}
	}
	key := store.UUIDString(batchID)
	s.students[key] = append(s.students[key], row)
	return row, nil
}

func (s *stubStore) GetBatchByID(_ context.Context, id pgtype.UUID) (store.Batch, error) {
	row, ok := s.batches[store.UUIDString(id)]
	if !ok {
		return store.Batch{}, store.ErrNotFound
	}
	return row, nil
}

func (s *stubStore) GetBatchByReference(_ context.Context, reference string) (store.Batch, error) {
	for _, row := range s.batches {
		if row.Reference == reference {
			return row, nil
		}
	}
	return store.Batch{}, store.ErrNotFound
}

func (s *stubStore) ListBatchesBySchool(_ context.Context, schoolID pgtype.UUID, _, _ int32) ([]store.Batch, error) {
	var out []store.Batch
	for _, row := range s.batches {
		if store.UUIDEqual(row.SchoolID, schoolID) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubStore) ListBatchStudents(_ context.Context, batchID pgtype.UUID) ([]store.BatchStudent, error) {
	return s.students[store.UUIDString(batchID)], nil
}

func newTestService(t *testing.T, st Store) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{Store: st})
	require.NoError(t, err)
	return svc
}

func studentNames(n int) []StudentInput {
	out := make([]StudentInput, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, StudentInput{Name: "Student " + string(rune('A'+i%26))})
	}
	return out
}

func TestCreateFreezesPricing(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st)
	schoolID := uuid.NewString()

	created, err := svc.Create(context.Background(), schoolID, Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(20),
	})
	require.NoError(t, err)
	require.Equal(t, 20, created.StudentCount)
	require.Equal(t, int64(200000), created.BaseAmount)
	require.Equal(t, "10", created.DiscountPercentage)
	require.Equal(t, int64(20000), created.DiscountAmount)
	require.Equal(t, int64(180000), created.TotalAmount)
	require.Equal(t, store.BatchStatusPendingPayment, created.Status)
	require.Regexp(t, `^BATCH-[0-9A-Z]+-[0-9A-Z]{5}$`, created.Reference)
	require.Len(t, created.Students, 20)
	for _, student := range created.Students {
		require.Regexp(t, `^REG-[0-9A-Z]+-[0-9A-Z]{5}$`, student.Reference)
	}

	// the stored row carries the same frozen breakdown
	stored, err := st.GetBatchByReference(context.Background(), created.Reference)
	require.NoError(t, err)
	require.Equal(t, int64(180000), stored.TotalAmount)

	// a later fee change must not affect the stored batch
	st.event.BaseFee = 99999
	stored, err = st.GetBatchByReference(context.Background(), created.Reference)
	require.NoError(t, err)
	require.Equal(t, int64(180000), stored.TotalAmount)
}

func TestQuoteDoesNotPersist(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st)

	preview, err := svc.Quote(context.Background(), Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(25),
	})
	require.NoError(t, err)
	require.Equal(t, int64(250000), preview.BaseAmount)
	require.Equal(t, "20", preview.DiscountPercentage)
	require.Equal(t, int64(200000), preview.TotalAmount)
	require.Equal(t, "₹2,000.00", preview.TotalDisplay)
	require.Empty(t, st.batches)
}

func TestQuoteBelowEveryThreshold(t *testing.T) {
	svc := newTestService(t, newStubStore())

	preview, err := svc.Quote(context.Background(), Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(5),
	})
	require.NoError(t, err)
	require.Equal(t, "0", preview.DiscountPercentage)
	require.Equal(t, int64(50000), preview.TotalAmount)
}

func TestCreateRejectsUnknownEvent(t *testing.T) {
	svc := newTestService(t, newStubStore())

	_, err := svc.Create(context.Background(), uuid.NewString(), Input{
		EventSlug: "chess-cup",
		Students:  studentNames(3),
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeNotFound, appErr.Code)
}

func TestCreateRespectsRegistrationWindow(t *testing.T) {
	st := newStubStore()
	st.event.ClosesAt = pgtype.Timestamptz{Time: time.Now().Add(-time.Hour), Valid: true}
	svc := newTestService(t, st)

	_, err := svc.Create(context.Background(), uuid.NewString(), Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(3),
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeConflict, appErr.Code)
}

func TestCreateValidatesRoster(t *testing.T) {
	svc := newTestService(t, newStubStore())

	_, err := svc.Create(context.Background(), uuid.NewString(), Input{EventSlug: "math-olympiad"})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeInvalidInput, appErr.Code)

	_, err = svc.Create(context.Background(), uuid.NewString(), Input{
		EventSlug: "math-olympiad",
		Students:  []StudentInput{{Name: "  "}},
	})
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeInvalidInput, appErr.Code)
}

func TestGetScopedToOwningSchool(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st)
	owner := uuid.NewString()

	created, err := svc.Create(context.Background(), owner, Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(2),
	})
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), owner, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Reference, got.Reference)
	require.Len(t, got.Students, 2)

	_, err = svc.Get(context.Background(), uuid.NewString(), created.ID)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeNotFound, appErr.Code)
}

type memEventStore struct {
	topics []string
}

func (m *memEventStore) InsertDomainEvent(_ context.Context, topic string, aggregateID pgtype.UUID, payload []byte) (store.DomainEvent, error) {
	m.topics = append(m.topics, topic)
	return store.DomainEvent{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}, nil
}

func TestIssueCertificatesRequiresPaidBatch(t *testing.T) {
	st := newStubStore()
	sink := &memEventStore{}
	svc, err := NewService(ServiceConfig{Store: st, Events: &events.Bus{Store: sink}})
	require.NoError(t, err)

	schoolID := uuid.NewString()
	created, err := svc.Create(context.Background(), schoolID, Input{
		EventSlug: "math-olympiad",
		Students:  studentNames(3),
	})
	require.NoError(t, err)

	err = svc.IssueCertificates(context.Background(), created.ID)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeConflict, appErr.Code)

	id, err := store.ToUUID(created.ID)
	require.NoError(t, err)
	row := st.batches[store.UUIDString(id)]
	row.Status = store.BatchStatusPaid
	st.batches[store.UUIDString(id)] = row

	require.NoError(t, svc.IssueCertificates(context.Background(), created.ID))
	require.Contains(t, sink.topics, events.TopicCertificateIssued)
}
