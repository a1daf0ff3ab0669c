package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/store"
)

type stubStore struct {
	lastTopic   string
	lastPayload []byte
	event       store.DomainEvent
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic string, aggregateID pgtype.UUID, payload []byte) (store.DomainEvent, error) {
	s.lastTopic = topic
	s.lastPayload = payload
	if !s.event.ID.Valid {
		id := uuid.New()
		s.event.ID = pgtype.UUID{Bytes: id, Valid: true}
	}
	s.event.Topic = topic
	s.event.AggregateID = aggregateID
	s.event.Payload = payload
	if s.event.OccurredAt.IsZero() {
		s.event.OccurredAt = time.Now()
	}
	return s.event, nil
}

type captureScheduler struct {
	events []store.DomainEvent
}

func (c *captureScheduler) Schedule(_ context.Context, event store.DomainEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureNotifier struct {
	events []store.DomainEvent
}

func (c *captureNotifier) Notify(_ context.Context, event store.DomainEvent) error {
	c.events = append(c.events, event)
	return nil
}

func toUUID(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

func TestEmitPersistsEvent(t *testing.T) {
	st := &stubStore{}
	scheduler := &captureScheduler{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     st,
		Scheduler: scheduler,
		Notifiers: []events.Notifier{notifier},
	}

	aggregate := uuid.New()
	payload := map[string]any{"batchId": "123"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicBatchCreated, toUUID(aggregate), payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicBatchCreated, st.lastTopic)
	require.JSONEq(t, `{"batchId":"123"}`, string(st.lastPayload))
	require.Len(t, scheduler.events, 1)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, scheduler.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "123", decoded["batchId"])
}

func TestEmitRejectsMissingTopic(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), "  ", toUUID(uuid.New()), nil)
	require.Error(t, err)
}
