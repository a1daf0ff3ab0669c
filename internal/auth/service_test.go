package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

type memStore struct {
	school   store.School
	sessions map[string]store.Session
	now      func() time.Time
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	hash, err := argon2id.CreateHash("correcthorse", argon2id.DefaultParams)
	require.NoError(t, err)
	return &memStore{
		school: store.School{
			ID:           pgtype.UUID{Bytes: uuid.New(), Valid: true},
			Code:         "ABC123",
			Name:         "Springfield High",
			Email:        "office@springfield.edu",
			PasswordHash: hash,
		},
		sessions: map[string]store.Session{},
		now:      time.Now,
	}
}

func (m *memStore) GetSchoolByCode(_ context.Context, code string) (store.School, error) {
	if code != m.school.Code {
		return store.School{}, store.ErrNotFound
	}
	return m.school, nil
}

func (m *memStore) GetSchoolByID(_ context.Context, id pgtype.UUID) (store.School, error) {
	if !store.UUIDEqual(id, m.school.ID) {
		return store.School{}, store.ErrNotFound
	}
	return m.school, nil
}

func (m *memStore) CreateSession(_ context.Context, schoolID pgtype.UUID, tokenHash string, expiresAt time.Time) (store.Session, error) {
	sess := store.Session{
		ID:        pgtype.UUID{Bytes: uuid.New(), Valid: true},
		SchoolID:  schoolID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
	}
	m.sessions[tokenHash] = sess
	return sess, nil
}

func (m *memStore) GetSessionByTokenHash(_ context.Context, tokenHash string) (store.Session, error) {
	sess, ok := m.sessions[tokenHash]
	if !ok || sess.RevokedAt.Valid || m.now().After(sess.ExpiresAt) {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (m *memStore) RevokeSession(_ context.Context, id pgtype.UUID) error {
	for hash, sess := range m.sessions {
		if store.UUIDEqual(sess.ID, id) {
			sess.RevokedAt = pgtype.Timestamptz{Time: m.now(), Valid: true}
			m.sessions[hash] = sess
		}
	}
	return nil
}

func (m *memStore) RevokeSessionsBySchool(_ context.Context, schoolID pgtype.UUID) error {
	for hash, sess := range m.sessions {
		if store.UUIDEqual(sess.SchoolID, schoolID) {
			sess.RevokedAt = pgtype.Timestamptz{Time: m.now(), Valid: true}
			m.sessions[hash] = sess
		}
	}
	return nil
}

func newTestService(t *testing.T, st Store) *Service {
	t.Helper()
	svc, err := NewService(Config{Store: st, Secret: "test-secret"})
	require.NoError(t, err)
	return svc
}

func TestLoginIssuesTokenPair(t *testing.T) {
	st := newMemStore(t)
	svc := newTestService(t, st)

	result, err := svc.Login(context.Background(), "abc123", "correcthorse")
	require.NoError(t, err)
	require.Equal(t, "ABC123", result.Account.Code)
	require.NotEmpty(t, result.AccessToken)
	require.NotEmpty(t, result.RefreshToken)
	require.Len(t, st.sessions, 1)

	subject, err := svc.ParseAccessToken(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, result.Account.ID, subject)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	st := newMemStore(t)
	svc := newTestService(t, st)

	for _, tc := range []struct{ code, password string }{
		{"ABC123", "wrong-password"},
		{"ZZZ999", "correcthorse"},
		{"", ""},
	} {
		_, err := svc.Login(context.Background(), tc.code, tc.password)
		var appErr *common.AppError
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, common.CodeUnauthorized, appErr.Code)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	st := newMemStore(t)
	svc := newTestService(t, st)

	login, err := svc.Login(context.Background(), "ABC123", "correcthorse")
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// the old token is revoked after rotation
	_, err = svc.Refresh(context.Background(), login.RefreshToken)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeUnauthorized, appErr.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	st := newMemStore(t)
	svc := newTestService(t, st)

	login, err := svc.Login(context.Background(), "ABC123", "correcthorse")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), login.RefreshToken))

	_, err = svc.Refresh(context.Background(), login.RefreshToken)
	require.Error(t, err)
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	st := newMemStore(t)
	svc := newTestService(t, st)

	past := time.Now().Add(-2 * time.Hour)
	svc.WithNow(func() time.Time { return past })
	login, err := svc.Login(context.Background(), "ABC123", "correcthorse")
	require.NoError(t, err)

	svc.WithNow(time.Now)
	_, err = svc.ParseAccessToken(login.AccessToken)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeUnauthorized, appErr.Code)
}
