package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Event is a competition event schools register batches for.
type Event struct {
	ID          pgtype.UUID
	Slug        string
	Name        string
	Description pgtype.Text
	BaseFee     int64
	Currency    string
	OpensAt     pgtype.Timestamptz
	ClosesAt    pgtype.Timestamptz
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DiscountRule is one bulk-discount tier attached to an event.
type DiscountRule struct {
	ID          pgtype.UUID
	EventID     pgtype.UUID
	MinStudents int32
	PercentBps  int32
	CreatedAt   time.Time
}

// CreateEventParams carries the fields for a new competition event.
type CreateEventParams struct {
	Slug        string
	Name        string
	Description string
	BaseFee     int64
	Currency    string
	OpensAt     pgtype.Timestamptz
	ClosesAt    pgtype.Timestamptz
}

const eventColumns = `id, slug, name, description, base_fee, currency, opens_at, closes_at, created_at, updated_at`

// CreateEvent inserts a competition event.
func (s *Store) CreateEvent(ctx context.Context, arg CreateEventParams) (Event, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO events (slug, name, description, base_fee, currency, opens_at, closes_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+eventColumns,
		arg.Slug, arg.Name, textOrNull(arg.Description), arg.BaseFee, arg.Currency, arg.OpensAt, arg.ClosesAt)
	return scanEvent(row)
}

// UpdateEventFee changes the per-student base fee of an event.
func (s *Store) UpdateEventFee(ctx context.Context, id pgtype.UUID, baseFee int64) (Event, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE events SET base_fee = $2, updated_at = now() WHERE id = $1
		RETURNING `+eventColumns,
		id, baseFee)
	return scanEvent(row)
}

// GetEventByID fetches an event by primary key.
func (s *Store) GetEventByID(ctx context.Context, id pgtype.UUID) (Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

// GetEventBySlug fetches an event by its public slug.
func (s *Store) GetEventBySlug(ctx context.Context, slug string) (Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE slug = $1`, slug)
	return scanEvent(row)
}

// ListEvents returns events ordered by creation time, newest first.
func (s *Store) ListEvents(ctx context.Context, limit, offset int32) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	err := row.Scan(&ev.ID, &ev.Slug, &ev.Name, &ev.Description, &ev.BaseFee, &ev.Currency,
		&ev.OpensAt, &ev.ClosesAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return Event{}, notFound(err)
	}
	return ev, nil
}

const ruleColumns = `id, event_id, min_students, percent_bps, created_at`

// CreateDiscountRule attaches a tier to an event. The schema's unique
// constraint on (event_id, min_students) rejects duplicate thresholds.
func (s *Store) CreateDiscountRule(ctx context.Context, eventID pgtype.UUID, minStudents, percentBps int32) (DiscountRule, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO discount_rules (event_id, min_students, percent_bps)
		VALUES ($1, $2, $3)
		RETURNING `+ruleColumns,
		eventID, minStudents, percentBps)
	return scanRule(row)
}

// DeleteDiscountRule removes a tier.
func (s *Store) DeleteDiscountRule(ctx context.Context, id pgtype.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM discount_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDiscountRules returns an event's tiers ordered by threshold.
func (s *Store) ListDiscountRules(ctx context.Context, eventID pgtype.UUID) ([]DiscountRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+ruleColumns+` FROM discount_rules
		WHERE event_id = $1 ORDER BY min_students ASC`,
		eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []DiscountRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row interface{ Scan(...any) error }) (DiscountRule, error) {
	var rule DiscountRule
	err := row.Scan(&rule.ID, &rule.EventID, &rule.MinStudents, &rule.PercentBps, &rule.CreatedAt)
	if err != nil {
		return DiscountRule{}, notFound(err)
	}
	return rule, nil
}
