package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/debtdesk/apiserver/internal/services"
	"github.com/debtdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	refreshCookieName = "refreshToken"
	refreshCookiePath = "/auth"
)

// Authenticator resolves a bearer token to the calling principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.Principal, error)
}

// SessionService is the part of the auth service used by the HTTP layer.
type SessionService interface {
	Authenticator
	ValidateCredentials(ctx context.Context, email, password string) (types.User, error)
	Login(ctx context.Context, user types.User) (services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (services.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID int) error
	RefreshTokenTTL() time.Duration
}

// UserReader loads user profiles.
type UserReader interface {
	GetByID(ctx context.Context, id int) (types.User, error)
}

// AuthHandler provides the session endpoints.
type AuthHandler struct {
	auth         SessionService
	users        UserReader
	cookieSecure bool
	logger       *zap.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth SessionService, users UserReader, cookieSecure bool, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:         auth,
		users:        users,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Post("/login", handler.Login)
	r.Post("/refresh", handler.Refresh)
	r.Post("/logout", handler.Logout)
	r.With(handler.RequireAuth).Post("/logout-all", handler.LogoutAll)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth enforces bearer authentication and injects the principal into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return RequireAuth(h.auth)(next)
}

// RequireAuth constructs auth middleware for other routers.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			principal, err := auth.Authenticate(r.Context(), tokenString)
			if err != nil {
				if errors.Is(err, types.ErrInvalidOrExpiredToken) || errors.Is(err, types.ErrAccountDisabled) {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to authenticate")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole rejects callers that hold none of the given roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !principal.HasRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Login verifies credentials, sets the refresh cookie and returns an access token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	user, err := h.auth.ValidateCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, types.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("validate credentials failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	result, err := h.auth.Login(r.Context(), user)
	if err != nil {
		h.logger.Error("login failed", zap.Int("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	h.setRefreshCookie(w, result.RefreshToken, result.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{User: result.User, AccessToken: result.AccessToken})
}

// Refresh rotates the refresh cookie and returns a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshTokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, types.ErrInvalidOrExpiredToken) || errors.Is(err, types.ErrAccountDisabled) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		h.logger.Error("refresh failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: pair.AccessToken})
}

// Logout revokes the presented refresh token. It always succeeds for the caller.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), refreshTokenFromRequest(r)); err != nil {
		h.logger.Warn("logout failed", zap.Error(err))
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out"})
}

// LogoutAll revokes every session of the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.auth.LogoutAll(r.Context(), principal.ID); err != nil {
		h.logger.Error("logout all failed", zap.Int("user_id", principal.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out from all devices"})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), principal.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user.Sanitized())
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Expires:  expiresAt,
		MaxAge:   int(h.auth.RefreshTokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshTokenFromRequest reads the refresh cookie, falling back to a JSON
// body for clients that cannot hold cookies.
func refreshTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.RefreshToken)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LoginResponse struct {
	User        types.User `json:"user"`
	AccessToken string     `json:"accessToken"`
}

type TokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
