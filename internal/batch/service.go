package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/currency"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/pricing"
	"github.com/noah-isme/backend-contest/internal/refcode"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations the batch service needs.
type Store interface {
	GetEventBySlug(ctx context.Context, slug string) (store.Event, error)
	ListDiscountRules(ctx context.Context, eventID pgtype.UUID) ([]store.DiscountRule, error)
	CreateBatch(ctx context.Context, arg store.CreateBatchParams) (store.Batch, error)
	AddBatchStudent(ctx context.Context, batchID pgtype.UUID, reference, name, grade string) (store.BatchStudent, error)
	GetBatchByID(ctx context.Context, id pgtype.UUID) (store.Batch, error)
	GetBatchByReference(ctx context.Context, reference string) (store.Batch, error)
	ListBatchesBySchool(ctx context.Context, schoolID pgtype.UUID, limit, offset int32) ([]store.Batch, error)
	ListBatchStudents(ctx context.Context, batchID pgtype.UUID) ([]store.BatchStudent, error)
}

// TxRunner executes fn against a transactional view of the store.
type TxRunner func(ctx context.Context, fn func(Store) error) error

// Service registers student batches and freezes their pricing.
type Service struct {
	store       Store
	runTx       TxRunner
	events      *events.Bus
	maxStudents int
	now         func() time.Time
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Store       Store
	RunTx       TxRunner
	Events      *events.Bus
	MaxStudents int
	Now         func() time.Time
}

// StudentInput is one roster entry in a create request.
type StudentInput struct {
	Name  string `json:"name" validate:"required,max=200"`
	Grade string `json:"grade" validate:"max=50"`
}

// Input is the create/preview request payload.
type Input struct {
	EventSlug string         `json:"event_slug" validate:"required"`
	Students  []StudentInput `json:"students" validate:"required,min=1,dive"`
}

// Student is one roster entry in API form.
type Student struct {
	Reference string `json:"reference"`
	Name      string `json:"name"`
	Grade     string `json:"grade,omitempty"`
}

// Batch is the API payload for a registration batch.
type Batch struct {
	ID                 string    `json:"id"`
	Reference          string    `json:"reference"`
	EventSlug          string    `json:"event_slug,omitempty"`
	StudentCount       int       `json:"student_count"`
	BaseAmount         int64     `json:"base_amount"`
	DiscountPercentage string    `json:"discount_percentage"`
	DiscountAmount     int64     `json:"discount_amount"`
	TotalAmount        int64     `json:"total_amount"`
	TotalDisplay       string    `json:"total_display"`
	Currency           string    `json:"currency"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	Students           []Student `json:"students,omitempty"`
}

// Preview is the non-persisting pricing quote.
type Preview struct {
	EventSlug          string `json:"event_slug"`
	StudentCount       int    `json:"student_count"`
	BaseAmount         int64  `json:"base_amount"`
	DiscountPercentage string `json:"discount_percentage"`
	DiscountAmount     int64  `json:"discount_amount"`
	TotalAmount        int64  `json:"total_amount"`
	TotalDisplay       string `json:"total_display"`
	Currency           string `json:"currency"`
}

// NewService constructs a Service. When pool is non-nil the default
// transaction runner wraps the shared store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("batch: store is required")
	}
	maxStudents := cfg.MaxStudents
	if maxStudents < 1 {
		maxStudents = 500
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       cfg.Store,
		runTx:       cfg.RunTx,
		events:      cfg.Events,
		maxStudents: maxStudents,
		now:         now,
	}, nil
}

// PoolTxRunner builds the production TxRunner on a pgx pool.
func PoolTxRunner(pool *pgxpool.Pool, base *store.Store) TxRunner {
	return func(ctx context.Context, fn func(Store) error) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()
		if err := fn(base.WithTx(tx)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

// Create registers a batch. The pricing breakdown is computed from the
// event's current fee and rules and frozen on the row; later fee or rule
// changes never touch it.
func (s *Service) Create(ctx context.Context, schoolID string, in Input) (Batch, error) {
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return Batch{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	if err := s.validateInput(in); err != nil {
		return Batch{}, err
	}

	var (
		created  store.Batch
		students []store.BatchStudent
		result   pricing.Result
		ev       store.Event
	)
	work := func(st Store) error {
		var err error
		ev, result, err = s.quote(ctx, st, in)
		if err != nil {
			return err
		}
		reference, err := refcode.TimestampedReference(refcode.PrefixBatch)
		if err != nil {
			return fmt.Errorf("generate batch reference: %w", err)
		}
		created, err = st.CreateBatch(ctx, store.CreateBatchParams{
			Reference:      reference,
			SchoolID:       sid,
			EventID:        ev.ID,
			StudentCount:   int32(result.StudentCount),
			BaseAmount:     int64(result.BaseAmount),
			DiscountBps:    result.DiscountBps,
			DiscountAmount: int64(result.DiscountAmount),
			TotalAmount:    int64(result.TotalAmount),
			Currency:       ev.Currency,
		})
		if err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		students = make([]store.BatchStudent, 0, len(in.Students))
		for _, student := range in.Students {
			ref, err := refcode.TimestampedReference(refcode.PrefixRegistration)
			if err != nil {
				return fmt.Errorf("generate registration reference: %w", err)
			}
			row, err := st.AddBatchStudent(ctx, created.ID, ref, strings.TrimSpace(student.Name), strings.TrimSpace(student.Grade))
			if err != nil {
				return fmt.Errorf("add batch student: %w", err)
			}
			students = append(students, row)
		}
		return nil
	}

	if s.runTx != nil {
		err = s.runTx(ctx, work)
	} else {
		err = work(s.store)
	}
	if err != nil {
		recordCompute("create", "error")
		return Batch{}, err
	}
	recordCompute("create", "ok")

	if s.events != nil {
		_, _ = s.events.Emit(ctx, events.TopicBatchCreated, created.ID, map[string]any{
			"batchId":      store.UUIDString(created.ID),
			"reference":    created.Reference,
			"schoolId":     schoolID,
			"eventSlug":    ev.Slug,
			"studentCount": created.StudentCount,
			"totalAmount":  created.TotalAmount,
			"currency":     created.Currency,
		})
	}

	out := convertBatch(created)
	out.EventSlug = ev.Slug
	out.Students = convertStudents(students)
	return out, nil
}

// Quote computes the pricing preview without persisting anything.
func (s *Service) Quote(ctx context.Context, in Input) (Preview, error) {
	if err := s.validateInput(in); err != nil {
		recordCompute("preview", "error")
		return Preview{}, err
	}
	ev, result, err := s.quote(ctx, s.store, in)
	if err != nil {
		recordCompute("preview", "error")
		return Preview{}, err
	}
	recordCompute("preview", "ok")
	preview := Preview{
		EventSlug:          ev.Slug,
		StudentCount:       result.StudentCount,
		BaseAmount:         int64(result.BaseAmount),
		DiscountPercentage: pricing.BpsToPercent(result.DiscountBps).String(),
		DiscountAmount:     int64(result.DiscountAmount),
		TotalAmount:        int64(result.TotalAmount),
		Currency:           ev.Currency,
	}
	if display, err := currency.FormatMinor(preview.TotalAmount, ev.Currency); err == nil {
		preview.TotalDisplay = display
	}
	return preview, nil
}

// Get returns a batch with its roster, scoped to the owning school.
func (s *Service) Get(ctx context.Context, schoolID, batchID string) (Batch, error) {
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return Batch{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	id, err := store.ToUUID(batchID)
	if err != nil {
		return Batch{}, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
	}
	row, err := s.store.GetBatchByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Batch{}, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
		}
		return Batch{}, fmt.Errorf("get batch: %w", err)
	}
	if !store.UUIDEqual(row.SchoolID, sid) {
		return Batch{}, common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, nil)
	}
	students, err := s.store.ListBatchStudents(ctx, row.ID)
	if err != nil {
		return Batch{}, fmt.Errorf("list batch students: %w", err)
	}
	out := convertBatch(row)
	out.Students = convertStudents(students)
	return out, nil
}

// IssueCertificates records that certificates were generated for a paid
// batch and notifies subscribers. Admin-only, so no school scoping.
func (s *Service) IssueCertificates(ctx context.Context, batchID string) error {
	id, err := store.ToUUID(batchID)
	if err != nil {
		return common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
	}
	row, err := s.store.GetBatchByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.NewAppError(common.CodeNotFound, "batch not found", http.StatusNotFound, err)
		}
		return fmt.Errorf("get batch: %w", err)
	}
	if row.Status != store.BatchStatusPaid {
		return common.NewAppError(common.CodeConflict, "certificates require a paid batch", http.StatusConflict, nil)
	}
	if s.events != nil {
		_, _ = s.events.Emit(ctx, events.TopicCertificateIssued, row.ID, map[string]any{
			"batchId":      store.UUIDString(row.ID),
			"reference":    row.Reference,
			"schoolId":     store.UUIDString(row.SchoolID),
			"studentCount": row.StudentCount,
		})
	}
	return nil
}

// List returns the school's batches, newest first.
func (s *Service) List(ctx context.Context, schoolID string, limit, offset int32) ([]Batch, error) {
	sid, err := store.ToUUID(schoolID)
	if err != nil {
		return nil, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.store.ListBatchesBySchool(ctx, sid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]Batch, 0, len(rows))
	for _, row := range rows {
		out = append(out, convertBatch(row))
	}
	return out, nil
}

func (s *Service) validateInput(in Input) error {
	if strings.TrimSpace(in.EventSlug) == "" {
		return common.NewAppError(common.CodeInvalidInput, "event_slug is required", http.StatusBadRequest, nil)
	}
	if len(in.Students) == 0 {
		return common.NewAppError(common.CodeInvalidInput, "at least one student is required", http.StatusBadRequest, nil)
	}
	if len(in.Students) > s.maxStudents {
		return common.NewAppError(common.CodeInvalidInput,
			fmt.Sprintf("a batch may hold at most %d students", s.maxStudents), http.StatusBadRequest, nil)
	}
	for i, student := range in.Students {
		if strings.TrimSpace(student.Name) == "" {
			return common.NewAppError(common.CodeInvalidInput,
				fmt.Sprintf("students[%d].name is required", i), http.StatusBadRequest, nil)
		}
	}
	return nil
}

func (s *Service) quote(ctx context.Context, st Store, in Input) (store.Event, pricing.Result, error) {
	slug := strings.ToLower(strings.TrimSpace(in.EventSlug))
	ev, err := st.GetEventBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Event{}, pricing.Result{}, common.NewAppError(common.CodeNotFound, "event not found", http.StatusNotFound, err)
		}
		return store.Event{}, pricing.Result{}, fmt.Errorf("get event: %w", err)
	}
	now := s.now()
	if ev.OpensAt.Valid && now.Before(ev.OpensAt.Time) {
		return store.Event{}, pricing.Result{}, common.NewAppError(common.CodeConflict, "registration has not opened yet", http.StatusConflict, nil)
	}
	if ev.ClosesAt.Valid && now.After(ev.ClosesAt.Time) {
		return store.Event{}, pricing.Result{}, common.NewAppError(common.CodeConflict, "registration has closed", http.StatusConflict, nil)
	}
	ruleRows, err := st.ListDiscountRules(ctx, ev.ID)
	if err != nil {
		return store.Event{}, pricing.Result{}, fmt.Errorf("list discount rules: %w", err)
	}
	rules := make([]pricing.Rule, 0, len(ruleRows))
	for _, rule := range ruleRows {
		rules = append(rules, pricing.Rule{MinStudents: rule.MinStudents, PercentBps: rule.PercentBps})
	}
	result, err := pricing.ComputeTotal(pricing.Input{
		BaseFee:      pricing.Money(ev.BaseFee),
		StudentCount: len(in.Students),
		Rules:        rules,
	})
	if err != nil {
		return store.Event{}, pricing.Result{}, common.NewAppError(common.CodeInvalidInput, "pricing input is invalid", http.StatusBadRequest, err)
	}
	return ev, result, nil
}

func recordCompute(mode, result string) {
	if obs.PricingComputeTotal != nil {
		obs.PricingComputeTotal.WithLabelValues(mode, result).Inc()
	}
}

func convertBatch(row store.Batch) Batch {
	out := Batch{
		ID:                 store.UUIDString(row.ID),
		Reference:          row.Reference,
		StudentCount:       int(row.StudentCount),
		BaseAmount:         row.BaseAmount,
		DiscountPercentage: pricing.BpsToPercent(row.DiscountBps).String(),
		DiscountAmount:     row.DiscountAmount,
		TotalAmount:        row.TotalAmount,
		Currency:           row.Currency,
		Status:             row.Status,
		CreatedAt:          row.CreatedAt,
	}
	if display, err := currency.FormatMinor(row.TotalAmount, row.Currency); err == nil {
		out.TotalDisplay = display
	}
	return out
}

func convertStudents(rows []store.BatchStudent) []Student {
	out := make([]Student, 0, len(rows))
	for _, row := range rows {
		student := Student{Reference: row.Reference, Name: row.Name}
		if row.Grade.Valid {
			student.Grade = row.Grade.String
		}
		out = append(out, student)
	}
	return out
}
