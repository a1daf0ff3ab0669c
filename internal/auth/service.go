package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
)

// Store captures the persistence operations the auth service needs.
type Store interface {
	GetSchoolByCode(ctx context.Context, code string) (store.School, error)
	GetSchoolByID(ctx context.Context, id pgtype.UUID) (store.School, error)
	CreateSession(ctx context.Context, schoolID pgtype.UUID, tokenHash string, expiresAt time.Time) (store.Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (store.Session, error)
	RevokeSession(ctx context.Context, id pgtype.UUID) error
	RevokeSessionsBySchool(ctx context.Context, schoolID pgtype.UUID) error
}

// Service issues and validates the token pair used by school accounts.
type Service struct {
	store      Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	signer     jwa.SignatureAlgorithm
	validator  TokenValidator
	issuer     string
	audience   string
	clockSkew  time.Duration
}

// Config configures the auth service.
type Config struct {
	Store           Store
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
}

// Account is the authenticated school identity returned alongside tokens.
type Account struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LoginResult bundles token material returned after a successful login.
type LoginResult struct {
	Account       Account   `json:"school"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// RefreshResult represents the outcome of a refresh operation.
type RefreshResult struct {
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshToken  string    `json:"refresh_token"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// NewService constructs a Service instance with sane defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "backend-contest"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "contest-frontend"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}

	return &Service{
		store:      cfg.Store,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		signer:     jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Login verifies school code + password and issues a new token pair.
func (s *Service) Login(ctx context.Context, code, password string) (LoginResult, error) {
	normalizedCode := strings.ToUpper(strings.TrimSpace(code))
	if normalizedCode == "" || password == "" {
		return LoginResult{}, common.NewAppError(common.CodeUnauthorized, "invalid code or password", http.StatusUnauthorized, nil)
	}

	sc, err := s.store.GetSchoolByCode(ctx, normalizedCode)
	if err != nil {
		return LoginResult{}, common.NewAppError(common.CodeUnauthorized, "invalid code or password", http.StatusUnauthorized, nil)
	}

	ok, err := argon2id.ComparePasswordAndHash(password, sc.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, common.NewAppError(common.CodeUnauthorized, "invalid code or password", http.StatusUnauthorized, nil)
	}

	schoolID := store.UUIDString(sc.ID)
	if schoolID == "" {
		return LoginResult{}, errors.New("auth: invalid school identifier")
	}

	accessToken, accessExpiry, err := s.signAccessToken(schoolID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, refreshExpiry, err := s.createSession(ctx, sc.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	return LoginResult{
		Account:       convertAccount(sc),
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  accessExpiry,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// Logout revokes the session behind the refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return nil
	}
	session, err := s.store.GetSessionByTokenHash(ctx, hashRefreshToken(token))
	if err != nil {
		return nil
	}
	return s.store.RevokeSession(ctx, session.ID)
}

// Refresh validates and rotates a refresh token, issuing a fresh access token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return RefreshResult{}, common.NewAppError(common.CodeUnauthorized, "invalid refresh token", http.StatusUnauthorized, nil)
	}

	session, err := s.store.GetSessionByTokenHash(ctx, hashRefreshToken(token))
	if err != nil {
		return RefreshResult{}, common.NewAppError(common.CodeUnauthorized, "invalid refresh token", http.StatusUnauthorized, nil)
	}
	if s.now().After(session.ExpiresAt) {
		_ = s.store.RevokeSession(ctx, session.ID)
		return RefreshResult{}, common.NewAppError(common.CodeUnauthorized, "invalid refresh token", http.StatusUnauthorized, nil)
	}

	schoolID := store.UUIDString(session.SchoolID)
	if schoolID == "" {
		_ = s.store.RevokeSession(ctx, session.ID)
		return RefreshResult{}, common.NewAppError(common.CodeUnauthorized, "invalid refresh token", http.StatusUnauthorized, nil)
	}

	accessToken, accessExpiry, err := s.signAccessToken(schoolID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("sign access token: %w", err)
	}

	if err := s.store.RevokeSession(ctx, session.ID); err != nil {
		return RefreshResult{}, fmt.Errorf("revoke session: %w", err)
	}
	newRefresh, refreshExpiry, err := s.createSession(ctx, session.SchoolID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("rotate session token: %w", err)
	}

	return RefreshResult{
		AccessToken:   accessToken,
		AccessExpiry:  accessExpiry,
		RefreshToken:  newRefresh,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// RevokeAll revokes every live session the school holds.
func (s *Service) RevokeAll(ctx context.Context, schoolID string) error {
	id, err := store.ToUUID(schoolID)
	if err != nil {
		return common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	return s.store.RevokeSessionsBySchool(ctx, id)
}

// ParseAccessToken validates an access token and returns the subject (school ID).
func (s *Service) ParseAccessToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", common.NewAppError(common.CodeUnauthorized, "missing token", http.StatusUnauthorized, nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret))
	if err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	return parsed.Subject(), nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func (s *Service) signAccessToken(schoolID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	builder := jwt.NewBuilder().
		Subject(schoolID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt)
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func (s *Service) createSession(ctx context.Context, schoolID pgtype.UUID) (string, time.Time, error) {
	if !schoolID.Valid {
		return "", time.Time{}, errors.New("auth: invalid school identifier")
	}
	token, err := generateToken(48)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(s.refreshTTL)
	if _, err := s.store.CreateSession(ctx, schoolID, hashRefreshToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func convertAccount(sc store.School) Account {
	return Account{
		ID:    store.UUIDString(sc.ID),
		Code:  sc.Code,
		Name:  sc.Name,
		Email: sc.Email,
	}
}
