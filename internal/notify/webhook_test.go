package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	endpoints  map[string]store.WebhookEndpoint
	deliveries map[string]store.WebhookDelivery
	events     map[string]store.DomainEvent
}

func newMemStore() *memStore {
	return &memStore{
		endpoints:  map[string]store.WebhookEndpoint{},
		deliveries: map[string]store.WebhookDelivery{},
		events:     map[string]store.DomainEvent{},
	}
}

func (m *memStore) addEndpoint(endpointURL, secret string, topics []string) store.WebhookEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := store.WebhookEndpoint{
		ID:     pgtype.UUID{Bytes: uuid.New(), Valid: true},
		URL:    endpointURL,
		Secret: secret,
		Topics: topics,
		Active: true,
	}
	m.endpoints[store.UUIDString(ep.ID)] = ep
	return ep
}

func (m *memStore) addEvent(topic string, payload []byte) store.DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := store.DomainEvent{
		ID:         pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
	m.events[store.UUIDString(ev.ID)] = ev
	return ev
}

func (m *memStore) ListActiveEndpointsForTopic(_ context.Context, topic string) ([]store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookEndpoint
	for _, ep := range m.endpoints {
		if !ep.Active {
			continue
		}
		for _, t := range ep.Topics {
			if t == topic {
				out = append(out, ep)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) InsertWebhookDelivery(_ context.Context, endpointID, eventID pgtype.UUID) (store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	del := store.WebhookDelivery{
		ID:            pgtype.UUID{Bytes: uuid.New(), Valid: true},
		EndpointID:    endpointID,
		EventID:       eventID,
		Status:        store.DeliveryStatusPending,
		NextAttemptAt: time.Now(),
	}
	m.deliveries[store.UUIDString(del.ID)] = del
	return del, nil
}

func (m *memStore) GetWebhookDelivery(_ context.Context, id pgtype.UUID) (store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	del, ok := m.deliveries[store.UUIDString(id)]
	if !ok {
		return store.WebhookDelivery{}, store.ErrNotFound
	}
	return del, nil
}

func (m *memStore) ListDueWebhookDeliveries(_ context.Context, limit int32) ([]store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookDelivery
	for _, del := range m.deliveries {
		if del.Status != store.DeliveryStatusPending && del.Status != store.DeliveryStatusFailed {
			continue
		}
		if del.NextAttemptAt.After(time.Now()) {
			continue
		}
		out = append(out, del)
		if int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkWebhookDelivery(_ context.Context, id pgtype.UUID, status string, attempts int32, nextAttempt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	del, ok := m.deliveries[store.UUIDString(id)]
	if !ok {
		return store.ErrNotFound
	}
	del.Status = status
	del.Attempts = attempts
	del.NextAttemptAt = nextAttempt
	if lastError != "" {
		del.LastError = pgtype.Text{String: lastError, Valid: true}
	}
	m.deliveries[store.UUIDString(id)] = del
	return nil
}

func (m *memStore) GetWebhookEndpoint(_ context.Context, id pgtype.UUID) (store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[store.UUIDString(id)]
	if !ok {
		return store.WebhookEndpoint{}, store.ErrNotFound
	}
	return ep, nil
}

func (m *memStore) GetDomainEvent(_ context.Context, id pgtype.UUID) (store.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[store.UUIDString(id)]
	if !ok {
		return store.DomainEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (m *memStore) CreateWebhookEndpoint(_ context.Context, endpointURL, secret string, topics []string) (store.WebhookEndpoint, error) {
	return m.addEndpoint(endpointURL, secret, topics), nil
}

func (m *memStore) SetWebhookEndpointActive(_ context.Context, id pgtype.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[store.UUIDString(id)]
	if !ok {
		return store.ErrNotFound
	}
	ep.Active = active
	m.endpoints[store.UUIDString(ep.ID)] = ep
	return nil
}

func (m *memStore) ListWebhookEndpoints(_ context.Context) ([]store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookEndpoint
	for _, ep := range m.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

type captureEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureEnqueuer) EnqueueDelivery(_ context.Context, deliveryID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, deliveryID)
	return nil
}

func TestScheduleFansOutToSubscribedEndpoints(t *testing.T) {
	st := newMemStore()
	st.addEndpoint("https://a.example.com/hook", "secret-aaaaaaaaaaaa", []string{events.TopicPaymentPaid})
	st.addEndpoint("https://b.example.com/hook", "secret-bbbbbbbbbbbb", []string{events.TopicBatchCreated})
	tasks := &captureEnqueuer{}
	d := &Dispatcher{Store: st, Tasks: tasks, Enabled: true}

	ev := st.addEvent(events.TopicPaymentPaid, []byte(`{"batchId":"x"}`))
	require.NoError(t, d.Schedule(context.Background(), ev))
	require.Len(t, st.deliveries, 1)
	require.Len(t, tasks.calls, 1)
}

func TestDeliverSignsPayload(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotID   string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		gotID = r.Header.Get("X-Event-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", parsed.Hostname())

	st := newMemStore()
	ep := st.addEndpoint(srv.URL, "topsecret-signing-key", []string{events.TopicInvoiceIssued})
	ev := st.addEvent(events.TopicInvoiceIssued, []byte(`{"invoiceNumber":"INV-ABC123-0001"}`))
	del, err := st.InsertWebhookDelivery(context.Background(), ep.ID, ev.ID)
	require.NoError(t, err)

	d := &Dispatcher{Store: st, Enabled: true}
	require.NoError(t, d.DeliverByID(context.Background(), store.UUIDString(del.ID)))

	stored, err := st.GetWebhookDelivery(context.Background(), del.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryStatusSent, stored.Status)
	require.Equal(t, int32(1), stored.Attempts)

	require.Equal(t, store.UUIDString(ev.ID), gotID)
	require.NotEmpty(t, gotTS)

	var envelope struct {
		EventID string          `json:"eventId"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Equal(t, events.TopicInvoiceIssued, envelope.Topic)
	require.JSONEq(t, `{"invoiceNumber":"INV-ABC123-0001"}`, string(envelope.Data))

	// signature recomputes from the observed header values
	parsedTS, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	require.Equal(t, ComputeSignature("topsecret-signing-key", parsedTS, gotID, gotBody), gotSig)
}

func TestFailedDeliveryBacksOffThenDies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newMemStore()
	ep := st.addEndpoint(srv.URL, "topsecret-signing-key", []string{events.TopicPaymentPaid})
	ev := st.addEvent(events.TopicPaymentPaid, []byte(`{}`))
	del, err := st.InsertWebhookDelivery(context.Background(), ep.ID, ev.ID)
	require.NoError(t, err)
	tasks := &captureEnqueuer{}
	d := &Dispatcher{Store: st, Tasks: tasks, Enabled: true, MaxAttempts: 2, BackoffBaseSec: 1}

	require.NoError(t, d.DeliverByID(context.Background(), store.UUIDString(del.ID)))
	stored, err := st.GetWebhookDelivery(context.Background(), del.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryStatusFailed, stored.Status)
	require.Equal(t, int32(1), stored.Attempts)
	require.True(t, stored.NextAttemptAt.After(time.Now()))
	require.Len(t, tasks.calls, 1)

	// force the retry due and exhaust the attempt budget
	require.NoError(t, st.MarkWebhookDelivery(context.Background(), del.ID, store.DeliveryStatusFailed, 1, time.Now().Add(-time.Second), "status=500"))
	require.NoError(t, d.DeliverByID(context.Background(), store.UUIDString(del.ID)))
	stored, err = st.GetWebhookDelivery(context.Background(), del.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryStatusDead, stored.Status)
	require.Equal(t, int32(2), stored.Attempts)

	// dead deliveries are terminal
	require.NoError(t, d.DeliverByID(context.Background(), store.UUIDString(del.ID)))
	stored, err = st.GetWebhookDelivery(context.Background(), del.ID)
	require.NoError(t, err)
	require.Equal(t, int32(2), stored.Attempts)
}

func TestValidateURLRejectsPlainHTTP(t *testing.T) {
	require.Error(t, validateURL("http://example.com/hook"))
	require.NoError(t, validateURL("http://localhost:9000/hook"))
	require.NoError(t, validateURL("https://example.com/hook"))
	require.Error(t, validateURL("ftp://example.com/hook"))
}

func TestEmailNotifierResolvesSchoolRecipient(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	schoolID := pgtype.UUID{Bytes: uuid.New(), Valid: true}
	n := EmailNotifier{
		Mail:    outbox,
		Enabled: true,
		Schools: schoolLookup{id: schoolID, email: "admin@school.test"},
	}

	payload, err := json.Marshal(map[string]any{
		"schoolId":       store.UUIDString(schoolID),
		"batchReference": "BATCH-ABC-00001",
		"amount":         float64(180000),
		"currency":       "INR",
	})
	require.NoError(t, err)
	err = n.Notify(context.Background(), store.DomainEvent{
		Topic:      events.TopicPaymentPaid,
		Payload:    payload,
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, outbox.Outbox, 1)
	require.Equal(t, "admin@school.test", outbox.Outbox[0].To)
	require.Equal(t, "Payment confirmed", outbox.Outbox[0].Subject)
	require.Contains(t, outbox.Outbox[0].HTML, "BATCH-ABC-00001")
	require.Contains(t, outbox.Outbox[0].HTML, "₹1,800.00")
}

func TestEmailNotifierHonoursToggles(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	n := EmailNotifier{
		Mail:         outbox,
		Enabled:      true,
		TopicToggles: map[string]bool{events.TopicBatchCreated: false},
	}
	err := n.Notify(context.Background(), store.DomainEvent{
		Topic:   events.TopicBatchCreated,
		Payload: []byte(`{"email":"admin@school.test"}`),
	})
	require.NoError(t, err)
	require.Empty(t, outbox.Outbox)
}

type schoolLookup struct {
	id    pgtype.UUID
	email string
}

func (s schoolLookup) GetSchoolByID(_ context.Context, id pgtype.UUID) (store.School, error) {
	if !store.UUIDEqual(id, s.id) {
		return store.School{}, store.ErrNotFound
	}
	return store.School{ID: s.id, Email: s.email}, nil
}
