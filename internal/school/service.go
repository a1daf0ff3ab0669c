package school

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/refcode"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations the school service needs.
type Store interface {
	CreateSchool(ctx context.Context, arg store.CreateSchoolParams) (store.School, error)
	GetSchoolByID(ctx context.Context, id pgtype.UUID) (store.School, error)
	GetSchoolByCode(ctx context.Context, code string) (store.School, error)
}

// Service coordinates school registration and profile access.
type Service struct {
	store       Store
	maxAttempts int
	genCode     func() (string, error)
}

// NewService constructs a Service with the default code generator.
func NewService(st Store, maxAttempts int) (*Service, error) {
	if st == nil {
		return nil, errors.New("school: store is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = refcode.MaxSchoolCodeAttempts
	}
	return &Service{
		store:       st,
		maxAttempts: maxAttempts,
		genCode:     refcode.SchoolCode,
	}, nil
}

// WithCodeGenerator lets tests override the code source.
func (s *Service) WithCodeGenerator(gen func() (string, error)) {
	if gen != nil {
		s.genCode = gen
	}
}

// School is the safe subset of the school model returned to clients.
type School struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Register creates a school account. The login code is generated here and
// retried against the unique constraint; collisions never surface to the
// caller unless the attempt budget is spent.
func (s *Service) Register(ctx context.Context, name, email, password string) (School, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return School{}, common.NewAppError(common.CodeInvalidInput, "name is required", http.StatusBadRequest, nil)
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" {
		return School{}, common.NewAppError(common.CodeInvalidInput, "email is required", http.StatusBadRequest, nil)
	}
	if len(password) < 8 {
		return School{}, common.NewAppError(common.CodeInvalidInput, "password must be at least 8 characters", http.StatusBadRequest, nil)
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return School{}, fmt.Errorf("hash password: %w", err)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		code, err := s.genCode()
		if err != nil {
			return School{}, fmt.Errorf("generate school code: %w", err)
		}
		created, err := s.store.CreateSchool(ctx, store.CreateSchoolParams{
			Code:         code,
			Name:         name,
			Email:        normalizedEmail,
			PasswordHash: hash,
		})
		switch {
		case err == nil:
			recordCodeAttempt("ok")
			return convertSchool(created), nil
		case store.IsUniqueViolation(err, "schools_code_key"):
			recordCodeAttempt("collision")
			continue
		case store.IsUniqueViolation(err, "schools_email_key"):
			return School{}, common.NewAppError(common.CodeConflict, "email is already registered", http.StatusConflict, err)
		default:
			return School{}, fmt.Errorf("create school: %w", err)
		}
	}
	recordCodeAttempt("exhausted")
	return School{}, common.NewAppError(common.CodeGenExhausted, "could not allocate a unique school code", http.StatusServiceUnavailable, nil)
}

// Profile returns the school identified by id.
func (s *Service) Profile(ctx context.Context, schoolID string) (School, error) {
	id, err := store.ToUUID(schoolID)
	if err != nil {
		return School{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	sc, err := s.store.GetSchoolByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return School{}, common.NewAppError(common.CodeNotFound, "school not found", http.StatusNotFound, err)
		}
		return School{}, fmt.Errorf("get school: %w", err)
	}
	return convertSchool(sc), nil
}

// LookupByCode resolves a school from its login code.
func (s *Service) LookupByCode(ctx context.Context, code string) (School, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return School{}, common.NewAppError(common.CodeInvalidInput, "code is required", http.StatusBadRequest, nil)
	}
	sc, err := s.store.GetSchoolByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return School{}, common.NewAppError(common.CodeNotFound, "school not found", http.StatusNotFound, err)
		}
		return School{}, fmt.Errorf("get school by code: %w", err)
	}
	return convertSchool(sc), nil
}

func recordCodeAttempt(result string) {
	if obs.SchoolCodeAttempts != nil {
		obs.SchoolCodeAttempts.WithLabelValues(result).Inc()
	}
}

func convertSchool(sc store.School) School {
	return School{
		ID:        store.UUIDString(sc.ID),
		Code:      sc.Code,
		Name:      sc.Name,
		Email:     sc.Email,
		CreatedAt: sc.CreatedAt,
	}
}
