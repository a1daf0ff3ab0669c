package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

type stubStore struct {
	events    map[string]store.Event
	rules     map[string][]store.DiscountRule
	slugTaken bool
	listCalls int
}

func newStubStore() *stubStore {
	return &stubStore{events: map[string]store.Event{}, rules: map[string][]store.DiscountRule{}}
}

func (s *stubStore) CreateEvent(_ context.Context, arg store.CreateEventParams) (store.Event, error) {
	if s.slugTaken {
		return store.Event{}, &pgconn.PgError{Code: "23505", ConstraintName: "events_slug_key"}
	}
	ev := store.Event{
		ID:       pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Slug:     arg.Slug,
		Name:     arg.Name,
		BaseFee:  arg.BaseFee,
		Currency: arg.Currency,
		OpensAt:  arg.OpensAt,
		ClosesAt: arg.ClosesAt,
	}
	if arg.Description != "" {
		ev.Description = pgtype.Text{String: arg.Description, Valid: true}
	}
	s.events[arg.Slug] = ev
	return ev, nil
}

func (s *stubStore) UpdateEventFee(_ context.Context, id pgtype.UUID, baseFee int64) (store.Event, error) {
	for slug, ev := range s.events {
		if store.UUIDEqual(ev.ID, id) {
			ev.BaseFee = baseFee
			s.events[slug] = ev
			return ev, nil
		}
	}
	return store.Event{}, store.ErrNotFound
}

func (s *stubStore) GetEventByID(_ context.Context, id pgtype.UUID) (store.Event, error) {
	for _, ev := range s.events {
		if store.UUIDEqual(ev.ID, id) {
			return ev, nil
		}
	}
	return store.Event{}, store.ErrNotFound
}

func (s *stubStore) GetEventBySlug(_ context.Context, slug string) (store.Event, error) {
	ev, ok := s.events[slug]
	if !ok {
		return store.Event{}, store.ErrNotFound
	}
	return ev, nil
}

func (s *stubStore) ListEvents(_ context.Context, _, _ int32) ([]store.Event, error) {
	s.listCalls++
	var out []store.Event
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out, nil
}

func (s *stubStore) CreateDiscountRule(_ context.Context, eventID pgtype.UUID, minStudents, percentBps int32) (store.DiscountRule, error) {
	key := store.UUIDString(eventID)
	for _, rule := range s.rules[key] {
		if rule.MinStudents == minStudents {
			return store.DiscountRule{}, &pgconn.PgError{Code: "23505", ConstraintName: "discount_rules_event_threshold_key"}
		}
	}
	rule := store.DiscountRule{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		EventID:     eventID,
		MinStudents: minStudents,
		PercentBps:  percentBps,
	}
	s.rules[key] = append(s.rules[key], rule)
	return rule, nil
}

func (s *stubStore) DeleteDiscountRule(_ context.Context, id pgtype.UUID) error {
	for key, rules := range s.rules {
		for i, rule := range rules {
			if store.UUIDEqual(rule.ID, id) {
				s.rules[key] = append(rules[:i], rules[i+1:]...)
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (s *stubStore) ListDiscountRules(_ context.Context, eventID pgtype.UUID) ([]store.DiscountRule, error) {
	return s.rules[store.UUIDString(eventID)], nil
}

func newTestService(t *testing.T, st Store, cache *Cache) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{Store: st, Cache: cache})
	require.NoError(t, err)
	return svc
}

func TestCreateEvent(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug:     "Math-Olympiad-2026",
		Name:     "Math Olympiad 2026",
		BaseFee:  10000,
		Currency: "inr",
	})
	require.NoError(t, err)
	require.Equal(t, "math-olympiad-2026", created.Slug)
	require.Equal(t, "INR", created.Currency)
	require.Equal(t, "₹100.00", created.BaseFeeDisplay)
}

func TestCreateEventRejectsUnsupportedCurrency(t *testing.T) {
	svc := newTestService(t, newStubStore(), nil)

	_, err := svc.Create(context.Background(), CreateParams{
		Slug: "science-fair", Name: "Science Fair", BaseFee: 5000, Currency: "EUR",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeUnsupportedCcy, appErr.Code)
}

func TestCreateEventSlugConflict(t *testing.T) {
	st := newStubStore()
	st.slugTaken = true
	svc := newTestService(t, st, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 5000, Currency: "INR",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeConflict, appErr.Code)
}

func TestAddRuleStoresBasisPoints(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 10000, Currency: "INR",
	})
	require.NoError(t, err)

	rule, err := svc.AddRule(context.Background(), created.ID, 10, decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	require.Equal(t, "12.5", rule.DiscountPercentage)

	stored := st.rules[created.ID]
	require.Len(t, stored, 1)
	require.Equal(t, int32(1250), stored[0].PercentBps)
}

func TestAddRuleDuplicateThreshold(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 10000, Currency: "INR",
	})
	require.NoError(t, err)

	_, err = svc.AddRule(context.Background(), created.ID, 10, decimal.RequireFromString("10"))
	require.NoError(t, err)
	_, err = svc.AddRule(context.Background(), created.ID, 10, decimal.RequireFromString("20"))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeConflict, appErr.Code)
}

func TestAddRuleRejectsOutOfRangePercentage(t *testing.T) {
	st := newStubStore()
	svc := newTestService(t, st, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 10000, Currency: "INR",
	})
	require.NoError(t, err)

	for _, percent := range []string{"-1", "100.01", "12.345"} {
		_, err := svc.AddRule(context.Background(), created.ID, 5, decimal.RequireFromString(percent))
		var appErr *common.AppError
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, common.CodeBadRequest, appErr.Code)
	}
}

func TestGetBySlugUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newStubStore()
	cache := NewCache(client, time.Minute)
	svc := newTestService(t, st, cache)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 10000, Currency: "INR",
	})
	require.NoError(t, err)

	first, err := svc.GetBySlug(context.Background(), "math-olympiad")
	require.NoError(t, err)
	require.Equal(t, created.ID, first.ID)

	// mutate the backing store; the cached detail must win until invalidated
	st.events["math-olympiad"] = store.Event{}
	second, err := svc.GetBySlug(context.Background(), "math-olympiad")
	require.NoError(t, err)
	require.Equal(t, created.ID, second.ID)
}

func TestUpdateFeeInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newStubStore()
	cache := NewCache(client, time.Minute)
	svc := newTestService(t, st, cache)

	created, err := svc.Create(context.Background(), CreateParams{
		Slug: "math-olympiad", Name: "Math Olympiad", BaseFee: 10000, Currency: "INR",
	})
	require.NoError(t, err)

	_, err = svc.GetBySlug(context.Background(), "math-olympiad")
	require.NoError(t, err)

	_, err = svc.UpdateFee(context.Background(), created.ID, 20000)
	require.NoError(t, err)

	detail, err := svc.GetBySlug(context.Background(), "math-olympiad")
	require.NoError(t, err)
	require.Equal(t, int64(20000), detail.BaseFee)
}
