package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// School is a registered school account.
type School struct {
	ID           pgtype.UUID
	Code         string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSchoolParams carries the fields required to register a school.
type CreateSchoolParams struct {
	Code         string
	Name         string
	Email        string
	PasswordHash string
}

const schoolColumns = `id, code, name, email, password_hash, created_at, updated_at`

// CreateSchool inserts a school row; unique violations on code or email
// surface as pgconn errors for the caller to classify.
func (s *Store) CreateSchool(ctx context.Context, arg CreateSchoolParams) (School, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO schools (code, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+schoolColumns,
		arg.Code, arg.Name, arg.Email, arg.PasswordHash)
	return scanSchool(row)
}

// GetSchoolByID fetches a school by primary key.
func (s *Store) GetSchoolByID(ctx context.Context, id pgtype.UUID) (School, error) {
	row := s.db.QueryRow(ctx, `SELECT `+schoolColumns+` FROM schools WHERE id = $1`, id)
	return scanSchool(row)
}

// GetSchoolByCode fetches a school by its login code.
func (s *Store) GetSchoolByCode(ctx context.Context, code string) (School, error) {
	row := s.db.QueryRow(ctx, `SELECT `+schoolColumns+` FROM schools WHERE code = $1`, code)
	return scanSchool(row)
}

// GetSchoolByEmail fetches a school by its contact email.
func (s *Store) GetSchoolByEmail(ctx context.Context, email string) (School, error) {
	row := s.db.QueryRow(ctx, `SELECT `+schoolColumns+` FROM schools WHERE email = $1`, email)
	return scanSchool(row)
}

func scanSchool(row interface{ Scan(...any) error }) (School, error) {
	var sc School
	err := row.Scan(&sc.ID, &sc.Code, &sc.Name, &sc.Email, &sc.PasswordHash, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return School{}, notFound(err)
	}
	return sc, nil
}

// Session is a refresh-token session; the token itself is stored hashed.
type Session struct {
	ID        pgtype.UUID
	SchoolID  pgtype.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt pgtype.Timestamptz
	CreatedAt time.Time
}

const sessionColumns = `id, school_id, token_hash, expires_at, revoked_at, created_at`

// CreateSession records a refresh session.
func (s *Store) CreateSession(ctx context.Context, schoolID pgtype.UUID, tokenHash string, expiresAt time.Time) (Session, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (school_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING `+sessionColumns,
		schoolID, tokenHash, expiresAt)
	return scanSession(row)
}

// GetSessionByTokenHash fetches an unrevoked, unexpired session.
func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash)
	return scanSession(row)
}

// RevokeSession marks a session revoked.
func (s *Store) RevokeSession(ctx context.Context, id pgtype.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}

// RevokeSessionsBySchool revokes every live session the school holds.
func (s *Store) RevokeSessionsBySchool(ctx context.Context, schoolID pgtype.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE school_id = $1 AND revoked_at IS NULL`, schoolID)
	return err
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.SchoolID, &sess.TokenHash, &sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	if err != nil {
		return Session{}, notFound(err)
	}
	return sess, nil
}
