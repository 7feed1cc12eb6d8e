package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
	"github.com/shuttle-hq/shuttle-sub001/pkg/crypto"
	"github.com/shuttle-hq/shuttle-sub001/pkg/jwt"
)

// Errors surfaced by the auth endpoints.
var (
	ErrInvalidEmail       = errors.New("auth: invalid email")
	ErrWeakPassword       = errors.New("auth: password too short")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrEmailTaken         = errors.New("auth: email already registered")
)

const minPasswordLen = 8

// Service issues and validates account tokens for the control API.
type Service struct {
	accounts repository.AccountRepository
	logger   *slog.Logger
	secret   string
	tokenTTL time.Duration
}

// New returns an auth service.
func New(accounts repository.AccountRepository, logger *slog.Logger, secret string, tokenTTL time.Duration) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		accounts: accounts,
		logger:   logger.With("component", "auth"),
		secret:   secret,
		tokenTTL: tokenTTL,
	}
}

// Signup registers an account and returns a signed token.
func (s Service) Signup(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return "", ErrWeakPassword
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", err
	}
	account := &domain.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", ErrEmailTaken
		}
		return "", err
	}
	s.logger.Info("account created", "account_id", account.ID)
	return jwt.Sign(account.ID, s.secret, s.tokenTTL)
}

// Login verifies credentials and returns a signed token.
func (s Service) Login(ctx context.Context, email, password string) (string, error) {
	account, err := s.accounts.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := crypto.VerifyPassword(account.PasswordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}
	return jwt.Sign(account.ID, s.secret, s.tokenTTL)
}

// Verify parses a bearer token and returns the account id it names.
func (s Service) Verify(token string) (string, error) {
	claims, err := jwt.Verify(token, s.secret)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	return claims.AccountID, nil
}
