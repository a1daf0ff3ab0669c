package school

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

type stubStore struct {
	schools      map[string]store.School
	codeFailures int
	emailTaken   bool
	created      []store.CreateSchoolParams
}

func newStubStore() *stubStore {
	return &stubStore{schools: map[string]store.School{}}
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func (s *stubStore) CreateSchool(_ context.Context, arg store.CreateSchoolParams) (store.School, error) {
	if s.codeFailures > 0 {
		s.codeFailures--
		return store.School{}, uniqueViolation("schools_code_key")
	}
	if s.emailTaken {
		return store.School{}, uniqueViolation("schools_email_key")
	}
	s.created = append(s.created, arg)
	sc := store.School{
		ID:    pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Code:  arg.Code,
		Name:  arg.Name,
		Email: arg.Email,
	}
	s.schools[arg.Code] = sc
	return sc, nil
}

func (s *stubStore) GetSchoolByID(_ context.Context, id pgtype.UUID) (store.School, error) {
	for _, sc := range s.schools {
		if store.UUIDEqual(sc.ID, id) {
			return sc, nil
		}
	}
	return store.School{}, store.ErrNotFound
}

func (s *stubStore) GetSchoolByCode(_ context.Context, code string) (store.School, error) {
	sc, ok := s.schools[code]
	if !ok {
		return store.School{}, store.ErrNotFound
	}
	return sc, nil
}

func TestRegisterGeneratesCode(t *testing.T) {
	st := newStubStore()
	svc, err := NewService(st, 10)
	require.NoError(t, err)

	created, err := svc.Register(context.Background(), "Springfield High", "OFFICE@springfield.edu", "correcthorse")
	require.NoError(t, err)
	require.Regexp(t, `^[A-Z]{3}[0-9]{3}$`, created.Code)
	require.Equal(t, "office@springfield.edu", created.Email)
	require.Len(t, st.created, 1)
	require.NotEqual(t, "correcthorse", st.created[0].PasswordHash)
}

func TestRegisterRetriesOnCodeCollision(t *testing.T) {
	st := newStubStore()
	st.codeFailures = 3
	svc, err := NewService(st, 10)
	require.NoError(t, err)

	created, err := svc.Register(context.Background(), "Springfield High", "office@springfield.edu", "correcthorse")
	require.NoError(t, err)
	require.NotEmpty(t, created.Code)
}

func TestRegisterExhaustsAttempts(t *testing.T) {
	st := newStubStore()
	st.codeFailures = 10
	svc, err := NewService(st, 10)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "Springfield High", "office@springfield.edu", "correcthorse")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeGenExhausted, appErr.Code)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	st := newStubStore()
	st.emailTaken = true
	svc, err := NewService(st, 10)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "Springfield High", "office@springfield.edu", "correcthorse")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeConflict, appErr.Code)
}

func TestRegisterValidatesInput(t *testing.T) {
	svc, err := NewService(newStubStore(), 10)
	require.NoError(t, err)

	for _, tc := range []struct {
		name, email, password string
	}{
		{"", "a@b.c", "correcthorse"},
		{"Springfield High", "", "correcthorse"},
		{"Springfield High", "a@b.c", "short"},
	} {
		_, err := svc.Register(context.Background(), tc.name, tc.email, tc.password)
		var appErr *common.AppError
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, common.CodeInvalidInput, appErr.Code)
	}
}

func TestProfileAndLookup(t *testing.T) {
	st := newStubStore()
	svc, err := NewService(st, 10)
	require.NoError(t, err)

	created, err := svc.Register(context.Background(), "Springfield High", "office@springfield.edu", "correcthorse")
	require.NoError(t, err)

	got, err := svc.Profile(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Code, got.Code)

	byCode, err := svc.LookupByCode(context.Background(), created.Code)
	require.NoError(t, err)
	require.Equal(t, created.ID, byCode.ID)

	_, err = svc.LookupByCode(context.Background(), "ZZZ999")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeNotFound, appErr.Code)
}
