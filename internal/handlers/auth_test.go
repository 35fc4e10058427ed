package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/debtdesk/apiserver/internal/services"
	"github.com/debtdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	user       types.User
	password   string
	refresh    map[string]bool
	revokedFor []int
	principals map[string]types.Principal
	refreshErr error
}

func newFakeSessions() *fakeSessions {
	user := types.User{ID: 3, Email: "a@x.com", Role: types.RoleAgent, PasswordHash: "hash", IsActive: true}
	return &fakeSessions{
		user:     user,
		password: "secret1",
		refresh:  map[string]bool{},
		principals: map[string]types.Principal{
			"agent-token":   {ID: 3, Email: "a@x.com", Role: types.RoleAgent},
			"manager-token": {ID: 4, Email: "m@x.com", Role: types.RoleManager},
		},
	}
}

func (f *fakeSessions) Authenticate(_ context.Context, token string) (types.Principal, error) {
	if token == "disabled-token" {
		return types.Principal{}, types.ErrAccountDisabled
	}
	principal, ok := f.principals[token]
	if !ok {
		return types.Principal{}, types.ErrInvalidOrExpiredToken
	}
	return principal, nil
}

func (f *fakeSessions) ValidateCredentials(_ context.Context, email, password string) (types.User, error) {
	if email != f.user.Email || password != f.password {
		return types.User{}, types.ErrInvalidCredentials
	}
	return f.user.Sanitized(), nil
}

func (f *fakeSessions) Login(_ context.Context, user types.User) (services.LoginResult, error) {
	f.refresh["refresh-1"] = true
	return services.LoginResult{
		User:             user,
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		RefreshExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}, nil
}

func (f *fakeSessions) Refresh(_ context.Context, token string) (services.TokenPair, error) {
	if f.refreshErr != nil {
		return services.TokenPair{}, f.refreshErr
	}
	if !f.refresh[token] {
		return services.TokenPair{}, types.ErrInvalidOrExpiredToken
	}
	delete(f.refresh, token)
	f.refresh["refresh-2"] = true
	return services.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", RefreshExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSessions) Logout(_ context.Context, token string) error {
	delete(f.refresh, token)
	return nil
}

func (f *fakeSessions) LogoutAll(_ context.Context, userID int) error {
	f.revokedFor = append(f.revokedFor, userID)
	return nil
}

func (f *fakeSessions) RefreshTokenTTL() time.Duration { return 7 * 24 * time.Hour }

type fakeUsers map[int]types.User

func (f fakeUsers) GetByID(_ context.Context, id int) (types.User, error) {
	user, ok := f[id]
	if !ok {
		return types.User{}, types.ErrNotFound
	}
	return user.Sanitized(), nil
}

func newAuthRouter(sessions *fakeSessions) http.Handler {
	handler := NewAuthHandler(sessions, fakeUsers{3: sessions.user}, true, nil)
	router := chi.NewRouter()
	router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, handler)
	})
	return router
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == refreshCookieName {
			return cookie
		}
	}
	t.Fatalf("no %s cookie set", refreshCookieName)
	return nil
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	router := newAuthRouter(newFakeSessions())

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@x.com","password":"secret1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "access-1", body["accessToken"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", user["email"])
	assert.NotContains(t, user, "password")
	assert.NotContains(t, user, "PasswordHash")
	assert.NotContains(t, rec.Body.String(), "refresh-1")

	cookie := refreshCookie(t, rec)
	assert.Equal(t, "refresh-1", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/auth", cookie.Path)
	assert.Equal(t, 7*24*60*60, cookie.MaxAge)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	router := newAuthRouter(newFakeSessions())

	cases := map[string]struct {
		body   string
		status int
	}{
		"wrong password": {body: `{"email":"a@x.com","password":"nope"}`, status: http.StatusUnauthorized},
		"unknown user":   {body: `{"email":"b@x.com","password":"secret1"}`, status: http.StatusUnauthorized},
		"missing fields": {body: `{"email":"a@x.com"}`, status: http.StatusBadRequest},
		"bad json":       {body: `{`, status: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tc.body)))
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())
			}
		})
	}
}

func TestRefreshRotatesCookie(t *testing.T) {
	sessions := newFakeSessions()
	sessions.refresh["refresh-1"] = true
	router := newAuthRouter(sessions)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accessToken":"access-2"}`, rec.Body.String())
	assert.Equal(t, "refresh-2", refreshCookie(t, rec).Value)

	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, -1, refreshCookie(t, rec).MaxAge)
}

func TestRefreshAcceptsJSONBody(t *testing.T) {
	sessions := newFakeSessions()
	sessions.refresh["refresh-1"] = true
	router := newAuthRouter(sessions)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refreshToken":"refresh-1"}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshErrors(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newAuthRouter(newFakeSessions()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("disabled account", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.refreshErr = types.ErrAccountDisabled
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
		rec := httptest.NewRecorder()
		newAuthRouter(sessions).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.refreshErr = errors.New("db down")
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
		rec := httptest.NewRecorder()
		newAuthRouter(sessions).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	sessions := newFakeSessions()
	sessions.refresh["refresh-1"] = true
	router := newAuthRouter(sessions)

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, -1, refreshCookie(t, rec).MaxAge)
	}
	assert.Empty(t, sessions.refresh)
}

func TestLogoutAllRequiresBearer(t *testing.T) {
	sessions := newFakeSessions()
	router := newAuthRouter(sessions)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil)
	req.Header.Set("Authorization", "Bearer agent-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{3}, sessions.revokedFor)
}

func TestMe(t *testing.T) {
	router := newAuthRouter(newFakeSessions())

	cases := map[string]struct {
		header string
		status int
	}{
		"valid token":    {header: "Bearer agent-token", status: http.StatusOK},
		"unknown token":  {header: "Bearer nope", status: http.StatusUnauthorized},
		"disabled user":  {header: "Bearer disabled-token", status: http.StatusUnauthorized},
		"missing scheme": {header: "agent-token", status: http.StatusUnauthorized},
		"no header":      {status: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"email":"a@x.com"`)
			}
		})
	}
}
