// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/console"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/gateway/gatewaytest"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testCookie = "console_session"

type testServer struct {
	t        *testing.T
	router   *chi.Mux
	gw       *gatewaytest.Gateway
	registry *console.Registry
	audit    *audit.Recorder
	cookie   *http.Cookie
}

func newTestServer(t *testing.T, burst int) *testServer {
	t.Helper()
	gw := &gatewaytest.Gateway{}
	// Event-driven resolutions run in the background after each context change
	gw.On("ResolvePermissions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(gatewaytest.Resolution("dashboard"), nil).Maybe()

	rec := &audit.Recorder{}
	registry := console.NewRegistry(gw, memory.NewSnapshotRepository(), console.RegistryConfig{}, console.WithAudit(rec))
	t.Cleanup(func() { registry.Close(context.Background()) })

	static := fstest.MapFS{
		"index.html":    {Data: []byte("<html>console</html>")},
		"assets/app.js": {Data: []byte("console.log('app')")},
	}
	h := NewHandler(registry, rec, SessionConfig{
		CookieName:     testCookie,
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteLaxMode,
	}, static)

	return &testServer{
		t:        t,
		router:   NewRouter(h, NewRateLimiter(1, burst)),
		gw:       gw,
		registry: registry,
		audit:    rec,
	}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("X-CSRF-Token", "1")
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name != testCookie {
			continue
		}
		if c.MaxAge < 0 {
			s.cookie = nil
		} else {
			s.cookie = c
		}
	}
	return w
}

func (s *testServer) login() {
	s.t.Helper()
	res := gatewaytest.LoginResult("tok")
	res.Permissions = gatewaytest.Resolution("dashboard").Permissions
	res.Modules = gatewaytest.Resolution("dashboard").Modules
	s.gw.On("Login", mock.Anything, "alice", "secret").Return(res, nil).Once()

	w := s.do(http.MethodPost, "/api/session/login", `{"username":"alice","password":"secret"}`)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(s.t, s.cookie)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// TestPurpose: Validates that the health check returns JSON.
// Scope: Unit Test
// Security: Prevents MIME sniffing attacks
// Expected: 200 with application/json content type and a status field.
// Test Case ID: HTTP-01
func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, 5)
	w := s.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)
}

// TestPurpose: Validates login request validation and CSRF enforcement.
// Scope: Unit Test
// Security: Input validation; CSRF on state-changing requests
// Expected: Malformed and empty bodies yield 400; a missing CSRF header yields 403; no upstream call is made.
// Test Case ID: HTTP-02
func TestLogin_Validation(t *testing.T) {
	s := newTestServer(t, 10)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/session/login", `{invalid}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/session/login", `{"username":"  "}`).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", strings.NewReader(`{"username":"alice","password":"secret"}`))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	s.gw.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything)
}

// TestPurpose: Validates a successful login through the HTTP surface.
// Scope: Unit Test
// Security: The bearer token never reaches the browser (CWE-522)
// Expected: An HttpOnly session cookie is set; the session view is authenticated with role 1 in global scope and carries no token.
// Test Case ID: HTTP-03
func TestLogin_Success(t *testing.T) {
	s := newTestServer(t, 5)
	s.login()

	assert.True(t, s.cookie.HttpOnly)
	assert.Equal(t, 1, s.registry.Len())

	w := s.do(http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "tok\"")

	view := decode[SessionView](t, w)
	assert.True(t, view.Authenticated)
	require.NotNil(t, view.CurrentRole)
	assert.Equal(t, int64(1), view.CurrentRole.ID)
	assert.True(t, view.GlobalMode)
	assert.Nil(t, view.CurrentTenant)
	assert.Contains(t, s.audit.Types(), audit.TypeLoginSuccess)
}

// TestPurpose: Validates login with invalid credentials.
// Scope: Unit Test
// Security: Generic error message (no user enumeration)
// Expected: 401 "invalid credentials" and the session stays unauthenticated.
// Test Case ID: HTTP-04
func TestLogin_InvalidCredentials(t *testing.T) {
	s := newTestServer(t, 5)
	s.gw.On("Login", mock.Anything, "alice", "wrong").Return(nil, gatewaytest.Unauthorized(gateway.OpLogin)).Once()

	w := s.do(http.MethodPost, "/api/session/login", `{"username":"alice","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid credentials", decode[map[string]string](t, w)["error"])

	view := decode[SessionView](t, s.do(http.MethodGet, "/api/session", ""))
	assert.False(t, view.Authenticated)
}

// TestPurpose: Validates that protected API routes require an authenticated session.
// Scope: Unit Test
// Security: Fail-closed authorization
// Expected: 401 with a navigation directive to /login.
// Test Case ID: HTTP-05
func TestProtectedRoutes_RequireAuth(t *testing.T) {
	s := newTestServer(t, 5)

	for _, target := range []string{"/api/session/menu", "/api/session/expiry", "/api/session/guard?route=/dashboard"} {
		w := s.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
		assert.Contains(t, w.Body.String(), `"to":"/login"`, target)
	}

	s.cookie = &http.Cookie{Name: testCookie, Value: "not-a-uuid"}
	w := s.do(http.MethodGet, "/api/session/menu", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, s.cookie, "malformed session cookie must be cleared")
}

// TestPurpose: Validates page guarding of SPA routes.
// Scope: Unit Test
// Security: Protected pages render only for ready sessions whose permission set covers the route
// Expected: Anonymous pages redirect to /login; permitted pages render; unpermitted pages redirect to / with an access_denied audit; assets pass through.
// Test Case ID: HTTP-06
func TestPageGuard(t *testing.T) {
	s := newTestServer(t, 5)

	w := s.do(http.MethodGet, "/dashboard", "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/login", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/assets/app.js", "").Code)

	s.login()

	w = s.do(http.MethodGet, "/dashboard", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console")

	w = s.do(http.MethodGet, "/billing", "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	assert.Contains(t, s.audit.Types(), audit.TypeAccessDenied)
}

// TestPurpose: Validates tenant transitions over HTTP.
// Scope: Unit Test
// Security: Tenant scope changes are acknowledged by the identity API before taking effect
// Expected: Select enters tenant 10 and navigates to /; selecting again is rejected with 400; exit restores global scope.
// Test Case ID: HTTP-07
func TestTenantTransitions(t *testing.T) {
	s := newTestServer(t, 5)
	s.login()

	s.gw.On("SelectTenant", mock.Anything, "tok", int64(10)).Return(&gateway.TenantAck{}, nil).Once()
	w := s.do(http.MethodPost, "/api/session/tenant/select", `{"tenantId":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[TransitionResponse](t, w)
	assert.Equal(t, "/", resp.Navigation.To)
	assert.True(t, resp.Navigation.Replace)
	require.NotNil(t, resp.Session.CurrentTenant)
	assert.Equal(t, int64(10), resp.Session.CurrentTenant.ID)
	assert.False(t, resp.Session.GlobalMode)

	w = s.do(http.MethodPost, "/api/session/tenant/select", `{"tenantId":20}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.gw.On("ExitTenant", mock.Anything, "tok").Return(&gateway.TenantAck{}, nil).Once()
	w = s.do(http.MethodPost, "/api/session/tenant/exit", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[TransitionResponse](t, w)
	assert.True(t, resp.Session.GlobalMode)
	assert.Nil(t, resp.Session.CurrentTenant)
}

// TestPurpose: Validates that an upstream 401 during a transition ends the session.
// Scope: Unit Test
// Security: Rejected tokens are never reused
// Expected: 401 with navigation to /login; subsequent session view is unauthenticated.
// Test Case ID: HTTP-08
func TestTenantTransition_Unauthorized(t *testing.T) {
	s := newTestServer(t, 5)
	s.login()

	s.gw.On("SelectTenant", mock.Anything, "tok", int64(20)).Return(nil, gatewaytest.Unauthorized(gateway.OpSelectTenant)).Once()
	w := s.do(http.MethodPost, "/api/session/tenant/select", `{"tenantId":20}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"to":"/login"`)

	view := decode[SessionView](t, s.do(http.MethodGet, "/api/session", ""))
	assert.False(t, view.Authenticated)
}

// TestPurpose: Validates logout over HTTP.
// Scope: Unit Test
// Expected: The cookie is cleared, the engine is removed and the response navigates to /login.
// Test Case ID: HTTP-09
func TestLogout(t *testing.T) {
	s := newTestServer(t, 5)
	s.login()

	s.gw.On("Logout", mock.Anything, "tok").Return(nil).Once()
	w := s.do(http.MethodPost, "/api/session/logout", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"to":"/login"`)
	assert.Nil(t, s.cookie)
	assert.Equal(t, 0, s.registry.Len())
	assert.Contains(t, s.audit.Types(), audit.TypeLogout)
}

// TestPurpose: Validates permission queries and the menu endpoint.
// Scope: Unit Test
// Expected: Granted pairs and paths report allowed; others report denied; missing parameters yield 400; the menu lists the dashboard.
// Test Case ID: HTTP-10
func TestPermissionQueries(t *testing.T) {
	s := newTestServer(t, 5)
	s.login()

	check := func(query string) bool {
		w := s.do(http.MethodGet, "/api/session/permissions/check?"+query, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decode[map[string]bool](t, w)["allowed"]
	}
	assert.True(t, check("componentKey=dashboard&action=read"))
	assert.False(t, check("componentKey=dashboard&action=delete"))
	assert.True(t, check("path=/dashboard/widgets"))
	assert.False(t, check("path=/billing"))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/session/permissions/check?action=read", "").Code)

	w := s.do(http.MethodGet, "/api/session/menu", "")
	require.Equal(t, http.StatusOK, w.Code)
	menu := decode[map[string][]session.Module](t, w)["modules"]
	require.Len(t, menu, 1)
	assert.Equal(t, "dashboard", menu[0].Components[0].ComponentKey)
}

// TestPurpose: Validates the login rate limit.
// Scope: Unit Test
// Security: Brute force mitigation (CWE-307)
// Expected: Requests beyond the burst from one client receive 429.
// Test Case ID: HTTP-11
func TestLogin_RateLimited(t *testing.T) {
	s := newTestServer(t, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/session/login", `{}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/api/session/login", `{}`).Code)
}

// TestPurpose: Validates client IP extraction behind proxies.
// Scope: Unit Test
// Expected: The first X-Forwarded-For hop wins; otherwise the RemoteAddr host.
// Test Case ID: HTTP-12
func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}
