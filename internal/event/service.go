package event

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/currency"
	"github.com/noah-isme/backend-contest/internal/pricing"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations the event service needs.
type Store interface {
	CreateEvent(ctx context.Context, arg store.CreateEventParams) (store.Event, error)
	UpdateEventFee(ctx context.Context, id pgtype.UUID, baseFee int64) (store.Event, error)
	GetEventByID(ctx context.Context, id pgtype.UUID) (store.Event, error)
	GetEventBySlug(ctx context.Context, slug string) (store.Event, error)
	ListEvents(ctx context.Context, limit, offset int32) ([]store.Event, error)
	CreateDiscountRule(ctx context.Context, eventID pgtype.UUID, minStudents, percentBps int32) (store.DiscountRule, error)
	DeleteDiscountRule(ctx context.Context, id pgtype.UUID) error
	ListDiscountRules(ctx context.Context, eventID pgtype.UUID) ([]store.DiscountRule, error)
}

// Service orchestrates competition event management and lookups.
type Service struct {
	store        Store
	cache        *Cache
	defaultLimit int32
	maxLimit     int32
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Store        Store
	Cache        *Cache
	DefaultLimit int32
	MaxLimit     int32
}

// Event is the public event payload.
type Event struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Name           string     `json:"name"`
	Description    *string    `json:"description,omitempty"`
	BaseFee        int64      `json:"base_fee"`
	BaseFeeDisplay string     `json:"base_fee_display"`
	Currency       string     `json:"currency"`
	OpensAt        *time.Time `json:"opens_at,omitempty"`
	ClosesAt       *time.Time `json:"closes_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DiscountRule is one bulk-discount tier in API form.
type DiscountRule struct {
	ID                 string `json:"id"`
	MinStudents        int32  `json:"min_students"`
	DiscountPercentage string `json:"discount_percentage"`
}

// EventDetail bundles an event with its discount tiers.
type EventDetail struct {
	Event
	DiscountRules []DiscountRule `json:"discount_rules"`
}

// CreateParams carries a new event definition.
type CreateParams struct {
	Slug        string
	Name        string
	Description string
	BaseFee     int64
	Currency    string
	OpensAt     *time.Time
	ClosesAt    *time.Time
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("event: store is required")
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = 20
	}
	maxLimit := cfg.MaxLimit
	if maxLimit < 1 {
		maxLimit = 100
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &Service{
		store:        cfg.Store,
		cache:        cfg.Cache,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}, nil
}

// Create registers a new competition event.
func (s *Service) Create(ctx context.Context, params CreateParams) (Event, error) {
	slug := strings.ToLower(strings.TrimSpace(params.Slug))
	if slug == "" {
		return Event{}, badRequest("slug", "slug is required", nil)
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return Event{}, badRequest("name", "name is required", nil)
	}
	if params.BaseFee < 0 {
		return Event{}, badRequest("base_fee", "base_fee must not be negative", nil)
	}
	code := strings.ToUpper(strings.TrimSpace(params.Currency))
	if !currency.Supported(code) {
		return Event{}, common.NewAppError(common.CodeUnsupportedCcy, "unsupported currency "+params.Currency, http.StatusBadRequest, nil)
	}
	if params.OpensAt != nil && params.ClosesAt != nil && params.ClosesAt.Before(*params.OpensAt) {
		return Event{}, badRequest("closes_at", "closes_at must not precede opens_at", nil)
	}

	created, err := s.store.CreateEvent(ctx, store.CreateEventParams{
		Slug:        slug,
		Name:        name,
		Description: strings.TrimSpace(params.Description),
		BaseFee:     params.BaseFee,
		Currency:    code,
		OpensAt:     optionalTimestamp(params.OpensAt),
		ClosesAt:    optionalTimestamp(params.ClosesAt),
	})
	if err != nil {
		if store.IsUniqueViolation(err, "events_slug_key") {
			return Event{}, common.NewAppError(common.CodeConflict, "slug is already in use", http.StatusConflict, err)
		}
		return Event{}, fmt.Errorf("create event: %w", err)
	}
	s.invalidateList(ctx)
	return convertEvent(created), nil
}

// UpdateFee changes the per-student base fee. Existing batches keep the
// totals frozen at registration time.
func (s *Service) UpdateFee(ctx context.Context, eventID string, baseFee int64) (Event, error) {
	if baseFee < 0 {
		return Event{}, badRequest("base_fee", "base_fee must not be negative", nil)
	}
	id, err := store.ToUUID(eventID)
	if err != nil {
		return Event{}, badRequest("event_id", "event id is not a valid uuid", err)
	}
	updated, err := s.store.UpdateEventFee(ctx, id, baseFee)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Event{}, notFoundErr(err)
		}
		return Event{}, fmt.Errorf("update event fee: %w", err)
	}
	s.invalidate(ctx, updated.Slug)
	return convertEvent(updated), nil
}

// AddRule attaches a discount tier to an event. The percentage is taken
// as a decimal (e.g. "12.5") and stored in basis points.
func (s *Service) AddRule(ctx context.Context, eventID string, minStudents int32, percentage decimal.Decimal) (DiscountRule, error) {
	if minStudents < 1 {
		return DiscountRule{}, badRequest("min_students", "min_students must be at least 1", nil)
	}
	bps, err := pricing.PercentToBps(percentage)
	if err != nil {
		return DiscountRule{}, badRequest("discount_percentage", "discount_percentage must be between 0 and 100 with at most two decimals", err)
	}
	id, err := store.ToUUID(eventID)
	if err != nil {
		return DiscountRule{}, badRequest("event_id", "event id is not a valid uuid", err)
	}
	ev, err := s.store.GetEventByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DiscountRule{}, notFoundErr(err)
		}
		return DiscountRule{}, fmt.Errorf("get event: %w", err)
	}
	rule, err := s.store.CreateDiscountRule(ctx, id, minStudents, bps)
	if err != nil {
		if store.IsUniqueViolation(err, "discount_rules_event_threshold_key") {
			return DiscountRule{}, common.NewAppError(common.CodeConflict, "a rule with this min_students already exists", http.StatusConflict, err)
		}
		return DiscountRule{}, fmt.Errorf("create discount rule: %w", err)
	}
	s.invalidate(ctx, ev.Slug)
	return convertRule(rule), nil
}

// RemoveRule deletes a discount tier.
func (s *Service) RemoveRule(ctx context.Context, eventID, ruleID string) error {
	evID, err := store.ToUUID(eventID)
	if err != nil {
		return badRequest("event_id", "event id is not a valid uuid", err)
	}
	id, err := store.ToUUID(ruleID)
	if err != nil {
		return badRequest("rule_id", "rule id is not a valid uuid", err)
	}
	ev, err := s.store.GetEventByID(ctx, evID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundErr(err)
		}
		return fmt.Errorf("get event: %w", err)
	}
	if err := s.store.DeleteDiscountRule(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.NewAppError(common.CodeNotFound, "discount rule not found", http.StatusNotFound, err)
		}
		return fmt.Errorf("delete discount rule: %w", err)
	}
	s.invalidate(ctx, ev.Slug)
	return nil
}

// List returns events, newest first.
func (s *Service) List(ctx context.Context, limit, offset int32) ([]Event, error) {
	if limit < 1 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	if offset < 0 {
		offset = 0
	}

	useCache := limit == s.defaultLimit && offset == 0
	if useCache && s.cache != nil {
		var cached []Event
		if ok, err := s.cache.GetJSON(ctx, listCacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	rows, err := s.store.ListEvents(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	result := make([]Event, 0, len(rows))
	for _, row := range rows {
		result = append(result, convertEvent(row))
	}
	if useCache && s.cache != nil {
		_ = s.cache.SetJSON(ctx, listCacheKey, result)
	}
	return result, nil
}

// GetBySlug returns an event with its discount tiers.
func (s *Service) GetBySlug(ctx context.Context, slug string) (EventDetail, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return EventDetail{}, badRequest("slug", "slug is required", nil)
	}
	key := detailCacheKey(slug)
	if s.cache != nil {
		var cached EventDetail
		if ok, err := s.cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}
	ev, err := s.store.GetEventBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EventDetail{}, notFoundErr(err)
		}
		return EventDetail{}, fmt.Errorf("get event by slug: %w", err)
	}
	rules, err := s.store.ListDiscountRules(ctx, ev.ID)
	if err != nil {
		return EventDetail{}, fmt.Errorf("list discount rules: %w", err)
	}
	detail := EventDetail{Event: convertEvent(ev), DiscountRules: make([]DiscountRule, 0, len(rules))}
	for _, rule := range rules {
		detail.DiscountRules = append(detail.DiscountRules, convertRule(rule))
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, detail)
	}
	return detail, nil
}

const listCacheKey = "event:list:default"

func detailCacheKey(slug string) string {
	return "event:detail:" + slug
}

func (s *Service) invalidate(ctx context.Context, slug string) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, listCacheKey, detailCacheKey(slug))
	}
}

func (s *Service) invalidateList(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, listCacheKey)
	}
}

func convertEvent(ev store.Event) Event {
	out := Event{
		ID:        store.UUIDString(ev.ID),
		Slug:      ev.Slug,
		Name:      ev.Name,
		BaseFee:   ev.BaseFee,
		Currency:  ev.Currency,
		CreatedAt: ev.CreatedAt,
	}
	if display, err := currency.FormatMinor(ev.BaseFee, ev.Currency); err == nil {
		out.BaseFeeDisplay = display
	}
	if ev.Description.Valid {
		desc := ev.Description.String
		out.Description = &desc
	}
	if ev.OpensAt.Valid {
		t := ev.OpensAt.Time
		out.OpensAt = &t
	}
	if ev.ClosesAt.Valid {
		t := ev.ClosesAt.Time
		out.ClosesAt = &t
	}
	return out
}

func convertRule(rule store.DiscountRule) DiscountRule {
	return DiscountRule{
		ID:                 store.UUIDString(rule.ID),
		MinStudents:        rule.MinStudents,
		DiscountPercentage: pricing.BpsToPercent(rule.PercentBps).String(),
	}
}

func optionalTimestamp(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func badRequest(field, message string, err error) *common.AppError {
	return &common.AppError{
		Code:       common.CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
		Details: map[string]any{
			"field": field,
		},
	}
}

func notFoundErr(err error) *common.AppError {
	return &common.AppError{
		Code:       common.CodeNotFound,
		Message:    "event not found",
		HTTPStatus: http.StatusNotFound,
		Err:        err,
	}
}
