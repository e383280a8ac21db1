package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/pkg/config"
	jwtpkg "github.com/Dzakiart19/hostingtele/pkg/jwt"
)

// TokenType is reported alongside every issued session.
const TokenType = "bearer"

// Session is a signed bearer token and its expiry.
type Session struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Service verifies Telegram login assertions and issues stateless sessions.
type Service struct {
	users     repository.UserRepository
	logger    *slog.Logger
	botToken  string
	jwtSecret string
	maxAge    time.Duration
	clockSkew time.Duration
	ttl       time.Duration
	now       func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	maxAge := cfg.AuthMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return Service{
		users:     users,
		logger:    logger.With("component", "auth"),
		botToken:  cfg.TelegramBotToken,
		jwtSecret: cfg.JWTSecret,
		maxAge:    maxAge,
		clockSkew: cfg.AuthClockSkew,
		ttl:       ttl,
		now:       time.Now,
	}
}

// VerifyAndIssue checks the assertion signature and age, upserts the identity
// and returns a new session.
func (s Service) VerifyAndIssue(ctx context.Context, a Assertion) (Session, *domain.User, error) {
	if err := a.malformed(); err != nil {
		return Session{}, nil, err
	}
	if !validSignature(s.botToken, a) {
		s.logger.Warn("telegram assertion signature mismatch", "telegram_id", a.ID)
		return Session{}, nil, newError(KindInvalidSignature, "signature mismatch")
	}
	now := s.now().UTC()
	issued := time.Unix(a.AuthDate, 0).UTC()
	if age := now.Sub(issued); age > s.maxAge {
		return Session{}, nil, newError(KindExpired, "assertion is %s old", age.Truncate(time.Second))
	}
	if issued.Sub(now) > s.clockSkew {
		return Session{}, nil, newError(KindExpired, "assertion is dated in the future")
	}

	user := &domain.User{
		TelegramID:  a.ID,
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Username:    a.Username,
		PhotoURL:    a.PhotoURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLoginAt: now,
	}
	if err := s.users.UpsertUser(ctx, user); err != nil {
		return Session{}, nil, fmt.Errorf("upsert user: %w", err)
	}

	token, err := jwtpkg.GenerateToken(user.TelegramID, s.jwtSecret, now, s.ttl)
	if err != nil {
		return Session{}, nil, fmt.Errorf("sign session: %w", err)
	}
	s.logger.Info("user logged in", "telegram_id", user.TelegramID)
	return Session{AccessToken: token, TokenType: TokenType, ExpiresAt: now.Add(s.ttl)}, user, nil
}

// Validate verifies a session token and loads its identity.
func (s Service) Validate(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	claims, err := jwtpkg.ParseAt(token, s.jwtSecret, s.now)
	if err != nil {
		if errors.Is(err, jwtpkg.ErrExpired) {
			return nil, nil, newError(KindExpired, "session expired")
		}
		return nil, nil, newError(KindInvalid, "token rejected")
	}
	user, err := s.users.GetUser(ctx, claims.TelegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, newError(KindInvalid, "unknown user")
		}
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	return user, claims, nil
}
