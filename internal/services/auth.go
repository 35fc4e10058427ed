package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/debtdesk/apiserver/internal/audit"
	"github.com/debtdesk/apiserver/internal/store"
	"github.com/debtdesk/apiserver/types"
	"go.uber.org/zap"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateLastLogin(ctx context.Context, id int, at time.Time) error
	SetActive(ctx context.Context, id int, active bool) error
}

// RefreshTokenRepository defines persistence operations for refresh tokens.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token types.RefreshToken) (types.RefreshToken, error)
	GetByToken(ctx context.Context, token string) (types.RefreshToken, error)
	Rotate(ctx context.Context, consumed string, next types.RefreshToken) (types.RefreshToken, error)
	DeleteByToken(ctx context.Context, token string) (int64, error)
	DeleteByUserID(ctx context.Context, userID int) (int64, error)
}

// AuthOptions configures an AuthService.
type AuthOptions struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Audit           audit.Recorder
	Logger          *zap.Logger
	Now             func() time.Time
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	User             types.User
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// TokenPair is returned by a successful refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthService implements credential checks and the session lifecycle.
type AuthService struct {
	users      UserRepository
	tokens     RefreshTokenRepository
	hasher     *PasswordHasher
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	audit      audit.Recorder
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuthService(users UserRepository, tokens RefreshTokenRepository, hasher *PasswordHasher, opts AuthOptions) *AuthService {
	s := &AuthService{
		users:      users,
		tokens:     tokens,
		hasher:     hasher,
		secret:     []byte(opts.JWTSecret),
		accessTTL:  opts.AccessTokenTTL,
		refreshTTL: opts.RefreshTokenTTL,
		audit:      opts.Audit,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = defaultAccessTokenTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = defaultRefreshTokenTTL
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ValidateCredentials returns the user owning email when the password
// matches and the account is active. Unknown email, inactive account and
// wrong password all yield types.ErrInvalidCredentials.
func (s *AuthService) ValidateCredentials(ctx context.Context, email, password string) (types.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.burn(ctx, password)
			s.record(ctx, audit.KindLogin, 0, email, audit.OutcomeFailure, "unknown email")
			return types.User{}, types.ErrInvalidCredentials
		}
		return types.User{}, fmt.Errorf("load user: %w", err)
	}

	if !user.IsActive {
		s.hasher.burn(ctx, password)
		s.record(ctx, audit.KindLogin, user.ID, email, audit.OutcomeFailure, "account inactive")
		return types.User{}, types.ErrInvalidCredentials
	}

	ok, err := s.hasher.ComparePasswords(ctx, password, user.PasswordHash)
	if err != nil {
		return types.User{}, fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		s.record(ctx, audit.KindLogin, user.ID, email, audit.OutcomeFailure, "wrong password")
		return types.User{}, types.ErrInvalidCredentials
	}

	return user.Sanitized(), nil
}

// Login issues a new session for an already validated user. Earlier
// sessions of the same user stay valid.
func (s *AuthService) Login(ctx context.Context, user types.User) (LoginResult, error) {
	now := s.now()

	accessToken, err := issueAccessToken(user, s.secret, now, s.accessTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, err := s.newRefreshToken(user.ID, now)
	if err != nil {
		return LoginResult{}, err
	}
	refresh, err = s.tokens.Create(ctx, refresh)
	if err != nil {
		return LoginResult{}, fmt.Errorf("store refresh token: %w", err)
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("update last login failed", zap.Int("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	s.record(ctx, audit.KindLogin, user.ID, user.Email, audit.OutcomeSuccess, "")
	return LoginResult{
		User:             user.Sanitized(),
		AccessToken:      accessToken,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new access and refresh token.
// The presented token is consumed: the new row is inserted and the old one
// deleted in one transaction, and the exchange fails if another request
// consumed the token first.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, types.ErrInvalidOrExpiredToken
	}

	current, err := s.tokens.GetByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.record(ctx, audit.KindRefresh, 0, "", audit.OutcomeFailure, "unknown token")
			return TokenPair{}, types.ErrInvalidOrExpiredToken
		}
		return TokenPair{}, fmt.Errorf("load refresh token: %w", err)
	}

	now := s.now()
	if current.Expired(now) {
		s.record(ctx, audit.KindRefresh, current.UserID, "", audit.OutcomeFailure, "token expired")
		return TokenPair{}, types.ErrInvalidOrExpiredToken
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.record(ctx, audit.KindRefresh, current.UserID, "", audit.OutcomeFailure, "owner missing")
			return TokenPair{}, types.ErrInvalidOrExpiredToken
		}
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, audit.KindRefresh, user.ID, user.Email, audit.OutcomeFailure, "account inactive")
		return TokenPair{}, types.ErrAccountDisabled
	}

	accessToken, err := issueAccessToken(user, s.secret, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	next, err := s.newRefreshToken(user.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	next, err = s.tokens.Rotate(ctx, refreshToken, next)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.record(ctx, audit.KindRefresh, user.ID, user.Email, audit.OutcomeFailure, "token already consumed")
			return TokenPair{}, types.ErrInvalidOrExpiredToken
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.record(ctx, audit.KindRefresh, user.ID, user.Email, audit.OutcomeSuccess, "")
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     next.Token,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes a single refresh token. Unknown tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	deleted, err := s.tokens.DeleteByToken(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	if deleted > 0 {
		s.record(ctx, audit.KindLogout, 0, "", audit.OutcomeSuccess, "")
	}
	return nil
}

// LogoutAll revokes every refresh token owned by the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID int) error {
	deleted, err := s.tokens.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete refresh tokens: %w", err)
	}
	s.logger.Debug("revoked sessions", zap.Int("user_id", userID), zap.Int64("count", deleted))
	s.record(ctx, audit.KindLogoutAll, userID, "", audit.OutcomeSuccess, "")
	return nil
}

// ParseAccessToken verifies signature and expiry of an access token.
func (s *AuthService) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims, err := parseAccessToken(tokenString, s.secret, s.now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidOrExpiredToken, err)
	}
	return claims, nil
}

// ValidateAccessToken resolves verified claims to the current user record.
// Deactivated or deleted users are rejected even while their token is
// within its lifetime.
func (s *AuthService) ValidateAccessToken(ctx context.Context, claims *AccessClaims) (types.User, error) {
	userID, err := claims.UserID()
	if err != nil {
		return types.User{}, types.ErrInvalidOrExpiredToken
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.record(ctx, audit.KindTokenCheck, userID, "", audit.OutcomeFailure, "user missing")
			return types.User{}, types.ErrInvalidOrExpiredToken
		}
		return types.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, audit.KindTokenCheck, userID, user.Email, audit.OutcomeFailure, "account inactive")
		return types.User{}, types.ErrAccountDisabled
	}
	return user.Sanitized(), nil
}

// Authenticate parses a bearer token and returns the caller's principal.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (types.Principal, error) {
	claims, err := s.ParseAccessToken(tokenString)
	if err != nil {
		return types.Principal{}, err
	}
	user, err := s.ValidateAccessToken(ctx, claims)
	if err != nil {
		return types.Principal{}, err
	}
	return types.Principal{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// RefreshTokenTTL reports the lifetime given to new refresh tokens.
func (s *AuthService) RefreshTokenTTL() time.Duration {
	return s.refreshTTL
}

func (s *AuthService) newRefreshToken(userID int, now time.Time) (types.RefreshToken, error) {
	value, err := newRefreshToken()
	if err != nil {
		return types.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	return types.RefreshToken{
		Token:     value,
		UserID:    userID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}, nil
}

func (s *AuthService) record(ctx context.Context, kind string, actorID int, email, outcome, reason string) {
	s.audit.Record(ctx, audit.Event{
		Kind:    kind,
		ActorID: actorID,
		Email:   email,
		Outcome: outcome,
		Reason:  reason,
		At:      s.now(),
	})
}
