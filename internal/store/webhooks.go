package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Webhook delivery statuses.
const (
	DeliveryStatusPending = "PENDING"
	DeliveryStatusSent    = "SENT"
	DeliveryStatusFailed  = "FAILED"
	DeliveryStatusDead    = "DEAD"
)

// WebhookEndpoint is a registered receiver for domain events, e.g. the
// certificate issuance service.
type WebhookEndpoint struct {
	ID        pgtype.UUID
	URL       string
	Secret    string
	Topics    []string
	Active    bool
	CreatedAt time.Time
}

// WebhookDelivery is one scheduled delivery of a domain event to an endpoint.
type WebhookDelivery struct {
	ID            pgtype.UUID
	EndpointID    pgtype.UUID
	EventID       pgtype.UUID
	Status        string
	Attempts      int32
	NextAttemptAt time.Time
	LastError     pgtype.Text
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const endpointColumns = `id, url, secret, topics, active, created_at`

// CreateWebhookEndpoint registers an event receiver.
func (s *Store) CreateWebhookEndpoint(ctx context.Context, url, secret string, topics []string) (WebhookEndpoint, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (url, secret, topics, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING `+endpointColumns,
		url, secret, topics)
	return scanEndpoint(row)
}

// SetWebhookEndpointActive toggles an endpoint.
func (s *Store) SetWebhookEndpointActive(ctx context.Context, id pgtype.UUID, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE webhook_endpoints SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWebhookEndpoint fetches a single endpoint by id.
func (s *Store) GetWebhookEndpoint(ctx context.Context, id pgtype.UUID) (WebhookEndpoint, error) {
	row := s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

// ListWebhookEndpoints returns every registered endpoint.
func (s *Store) ListWebhookEndpoints(ctx context.Context) ([]WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var endpoints []WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// ListActiveEndpointsForTopic returns endpoints subscribed to a topic.
func (s *Store) ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE active AND $1 = ANY(topics)`,
		topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var endpoints []WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func scanEndpoint(row interface{ Scan(...any) error }) (WebhookEndpoint, error) {
	var ep WebhookEndpoint
	err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Topics, &ep.Active, &ep.CreatedAt)
	if err != nil {
		return WebhookEndpoint{}, notFound(err)
	}
	return ep, nil
}

const deliveryColumns = `id, endpoint_id, event_id, status, attempts, next_attempt_at, last_error, created_at, updated_at`

// InsertWebhookDelivery schedules one delivery attempt chain.
func (s *Store) InsertWebhookDelivery(ctx context.Context, endpointID, eventID pgtype.UUID) (WebhookDelivery, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (endpoint_id, event_id, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 0, now())
		RETURNING `+deliveryColumns,
		endpointID, eventID, DeliveryStatusPending)
	return scanDelivery(row)
}

// GetWebhookDelivery fetches a delivery by id.
func (s *Store) GetWebhookDelivery(ctx context.Context, id pgtype.UUID) (WebhookDelivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

// ListDueWebhookDeliveries returns pending deliveries whose retry time has
// arrived, oldest first.
func (s *Store) ListDueWebhookDeliveries(ctx context.Context, limit int32) ([]WebhookDelivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ($1, $2) AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $3`,
		DeliveryStatusPending, DeliveryStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// MarkWebhookDelivery records the outcome of one attempt.
func (s *Store) MarkWebhookDelivery(ctx context.Context, id pgtype.UUID, status string, attempts int32, nextAttempt time.Time, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1`,
		id, status, attempts, nextAttempt, textOrNull(lastError))
	return err
}

// GetDomainEvent fetches one event log entry.
func (s *Store) GetDomainEvent(ctx context.Context, id pgtype.UUID) (DomainEvent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, topic, aggregate_id, payload, occurred_at FROM domain_events WHERE id = $1`, id)
	var ev DomainEvent
	if err := row.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
		return DomainEvent{}, notFound(err)
	}
	return ev, nil
}

func scanDelivery(row interface{ Scan(...any) error }) (WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return WebhookDelivery{}, notFound(err)
	}
	return d, nil
}
