package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/resilience"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store defines the persistence operations webhook dispatch requires.
type Store interface {
	ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]store.WebhookEndpoint, error)
	InsertWebhookDelivery(ctx context.Context, endpointID, eventID pgtype.UUID) (store.WebhookDelivery, error)
	GetWebhookDelivery(ctx context.Context, id pgtype.UUID) (store.WebhookDelivery, error)
	ListDueWebhookDeliveries(ctx context.Context, limit int32) ([]store.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id pgtype.UUID, status string, attempts int32, nextAttempt time.Time, lastError string) error
	GetWebhookEndpoint(ctx context.Context, id pgtype.UUID) (store.WebhookEndpoint, error)
	GetDomainEvent(ctx context.Context, id pgtype.UUID) (store.DomainEvent, error)
	CreateWebhookEndpoint(ctx context.Context, url, secret string, topics []string) (store.WebhookEndpoint, error)
	SetWebhookEndpointActive(ctx context.Context, id pgtype.UUID, active bool) error
	ListWebhookEndpoints(ctx context.Context) ([]store.WebhookEndpoint, error)
}

// Enqueuer schedules delayed background delivery tasks.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, deliveryID string, delay time.Duration) error
}

// Dispatcher coordinates webhook scheduling and delivery.
type Dispatcher struct {
	Store Store
	// HTTP takes precedence over Client when set, adding retry and
	// circuit-breaker semantics around endpoint calls.
	HTTP           *resilience.HTTPClient
	Client         *http.Client
	Tasks          Enqueuer
	BackoffBaseSec int
	MaxAttempts    int
	Enabled        bool
	Replay         ReplayProtector
	ReplayTTL      time.Duration
	Logger         zerolog.Logger
}

// Schedule enqueues deliveries for active endpoints subscribed to the topic.
// It implements the event bus scheduler hook.
func (d *Dispatcher) Schedule(ctx context.Context, event store.DomainEvent) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if event.Topic == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.Topic)
	if err != nil {
		return err
	}
	var joined error
	for _, ep := range endpoints {
		del, err := d.Store.InsertWebhookDelivery(ctx, ep.ID, event.ID)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("schedule delivery for %s: %w", store.UUIDString(ep.ID), err))
			continue
		}
		if d.Tasks != nil {
			if err := d.Tasks.EnqueueDelivery(ctx, store.UUIDString(del.ID), 0); err != nil {
				joined = errors.Join(joined, fmt.Errorf("enqueue delivery %s: %w", store.UUIDString(del.ID), err))
			}
		}
	}
	return joined
}

// DeliverByID attempts delivery for one scheduled row. Terminal states are
// left untouched so replayed tasks are harmless.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID string) error {
	id, err := store.ToUUID(deliveryID)
	if err != nil {
		return fmt.Errorf("parse delivery id: %w", err)
	}
	del, err := d.Store.GetWebhookDelivery(ctx, id)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if del.Status == store.DeliveryStatusSent || del.Status == store.DeliveryStatusDead {
		return nil
	}
	return d.attempt(ctx, del)
}

// WorkOnce drains due deliveries in one pass. It backs the sweeper that
// catches tasks lost between the insert and the queue publish.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int32) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 10
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.WorkOnce")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", int(batch)))

	due, err := d.Store.ListDueWebhookDeliveries(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, del := range due {
		if err := d.attempt(ctx, del); err != nil {
			d.Logger.Error().Str("delivery", store.UUIDString(del.ID)).Err(err).Msg("webhook delivery attempt")
		}
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, del store.WebhookDelivery) error {
	start := time.Now()
	endpoint, err := d.Store.GetWebhookEndpoint(ctx, del.EndpointID)
	if err != nil {
		return d.fail(ctx, del, fmt.Errorf("load endpoint: %w", err), start)
	}
	event, err := d.Store.GetDomainEvent(ctx, del.EventID)
	if err != nil {
		return d.fail(ctx, del, fmt.Errorf("load event: %w", err), start)
	}
	status, err := d.deliver(ctx, endpoint, event, del)
	if err == nil && status >= 200 && status < 300 {
		d.observe("delivered", start)
		return d.Store.MarkWebhookDelivery(ctx, del.ID, store.DeliveryStatusSent, del.Attempts+1, time.Now(), "")
	}
	return d.fail(ctx, del, fmt.Errorf("status=%d err=%v", status, err), start)
}

func (d *Dispatcher) fail(ctx context.Context, del store.WebhookDelivery, cause error, start time.Time) error {
	attempts := del.Attempts + 1
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	if int(attempts) >= maxAttempts {
		d.observe("dead", start)
		return d.Store.MarkWebhookDelivery(ctx, del.ID, store.DeliveryStatusDead, attempts, time.Now(), cause.Error())
	}
	d.observe("failed", start)
	delay := d.nextDelay(del.Attempts)
	next := time.Now().Add(delay)
	if err := d.Store.MarkWebhookDelivery(ctx, del.ID, store.DeliveryStatusFailed, attempts, next, cause.Error()); err != nil {
		return err
	}
	if d.Tasks != nil {
		if err := d.Tasks.EnqueueDelivery(ctx, store.UUIDString(del.ID), delay); err != nil {
			d.Logger.Error().Str("delivery", store.UUIDString(del.ID)).Err(err).Msg("requeue webhook delivery")
		}
	}
	return nil
}

func (d *Dispatcher) observe(result string, start time.Time) {
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
	if obs.WebhookAttemptLatency != nil {
		obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}

func (d *Dispatcher) nextDelay(attempt int32) time.Duration {
	base := d.BackoffBaseSec
	if base <= 0 {
		base = 5
	}
	factor := 1 << int(attempt)
	if factor < 1 || factor > 1<<10 {
		factor = 1 << 10
	}
	return time.Duration(base*factor) * time.Second
}

func (d *Dispatcher) deliver(ctx context.Context, ep store.WebhookEndpoint, ev store.DomainEvent, del store.WebhookDelivery) (int, error) {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 5 * time.Second}
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", store.UUIDString(ep.ID)),
		attribute.String("webhook.delivery_id", store.UUIDString(del.ID)),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, err
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	body, err := json.Marshal(struct {
		EventID    string          `json:"eventId"`
		Topic      string          `json:"topic"`
		Data       json.RawMessage `json:"data"`
		OccurredAt time.Time       `json:"occurredAt"`
	}{
		EventID:    store.UUIDString(ev.ID),
		Topic:      ev.Topic,
		Data:       json.RawMessage(ev.Payload),
		OccurredAt: occurred,
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if d.Replay != nil && d.ReplayTTL > 0 {
		key := fmt.Sprintf("whd:%s:%s", store.UUIDString(ep.ID), store.UUIDString(ev.ID))
		ok, err := d.Replay.Acquire(ctx, key, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return http.StatusOK, nil
		}
	}
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	eventID := store.UUIDString(ev.ID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "contest-api-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", store.UUIDString(del.ID))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))
	var resp *http.Response
	if d.HTTP != nil {
		resp, err = d.HTTP.Do(ctx, req)
	} else {
		resp, err = d.Client.Do(req)
	}
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload.
// The format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
