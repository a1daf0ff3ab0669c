package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// DomainEvent is one persisted entry in the event log.
type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  time.Time
}

// InsertDomainEvent appends to the event log.
func (s *Store) InsertDomainEvent(ctx context.Context, topic string, aggregateID pgtype.UUID, payload []byte) (DomainEvent, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, topic, aggregate_id, payload, occurred_at`,
		topic, aggregateID, payload)
	var ev DomainEvent
	if err := row.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
		return DomainEvent{}, notFound(err)
	}
	return ev, nil
}
