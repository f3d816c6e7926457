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
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/authz"
	"github.com/opentrusty/console/internal/console"
	"github.com/opentrusty/console/internal/expiry"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/navigation"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/tenant"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	registry      *console.Registry
	auditLogger   audit.Logger
	sessionConfig SessionConfig
	static        fs.FS
}

// SessionConfig holds browser session cookie configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite http.SameSite
	MaxAge         time.Duration
}

// ParseSameSite maps a configuration value to http.SameSite
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(registry *console.Registry, auditLogger audit.Logger, sessionConfig SessionConfig, static fs.FS) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	return &Handler{
		registry:      registry,
		auditLogger:   auditLogger,
		sessionConfig: sessionConfig,
		static:        static,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, loginLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api/session", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(CSRFMiddleware)
		r.Use(h.SessionMiddleware)

		r.With(RateLimitMiddleware(loginLimiter)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/", h.GetSession)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)

			r.Put("/role", h.SelectRole)
			r.Post("/tenant/select", h.SelectTenant)
			r.Post("/tenant/switch", h.SwitchTenant)
			r.Post("/tenant/exit", h.ExitTenant)
			r.Get("/menu", h.Menu)
			r.Get("/permissions/check", h.CheckPermission)
			r.Get("/guard", h.Guard)
			r.Get("/expiry", h.Expiry)
		})
	})

	if h.static != nil {
		spa := SPAHandler{StaticFS: h.static}
		r.Get(navigation.LoginPath, spa.ServeHTTP)
		r.With(h.SessionMiddleware, h.PageGuard).Get("/*", spa.ServeHTTP)
	}

	return r
}

// HealthResponse is the health check payload
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Sessions int    `json:"sessions"`
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: "opentrusty-console"}
	if h.registry != nil {
		resp.Sessions = h.registry.Len()
	}
	respondJSON(w, http.StatusOK, resp)
}

// LoginRequest represents login credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionView is the browser-visible session state. It never carries the
// bearer token.
type SessionView struct {
	Authenticated bool                 `json:"authenticated"`
	Expired       bool                 `json:"expired,omitempty"`
	User          *session.User        `json:"user,omitempty"`
	Roles         []session.Role       `json:"roles,omitempty"`
	Tenants       []session.Tenant     `json:"tenants,omitempty"`
	CurrentRole   *session.Role        `json:"currentRole,omitempty"`
	CurrentTenant *session.Tenant      `json:"currentTenant,omitempty"`
	GlobalMode    bool                 `json:"globalMode"`
	Mode          tenant.Mode          `json:"mode,omitempty"`
	Resolved      bool                 `json:"resolved"`
	Permissions   []session.Permission `json:"permissions,omitempty"`
	Expiry        *expiry.Status       `json:"expiry,omitempty"`
}

func newSessionView(e *console.Engine) SessionView {
	if e == nil {
		return SessionView{}
	}
	st := e.Store().State()
	if !st.IsAuthenticated {
		return SessionView{Expired: e.Expired()}
	}
	status := e.Expiry()
	return SessionView{
		Authenticated: true,
		User:          st.User,
		Roles:         st.Roles,
		Tenants:       st.Tenants,
		CurrentRole:   st.CurrentRole,
		CurrentTenant: st.CurrentTenant,
		GlobalMode:    st.GlobalMode,
		Mode:          e.Switcher().Mode(),
		Resolved:      e.Store().Resolved(),
		Permissions:   e.Store().Permissions(),
		Expiry:        &status,
	}
}

// TransitionResponse is returned by role and tenant transitions
type TransitionResponse struct {
	Navigation navigation.Navigation `json:"navigation"`
	Session    SessionView           `json:"session"`
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	e := GetEngine(r.Context())
	if e == nil {
		var err error
		if e, err = h.registry.Create(r.Context()); err != nil {
			slog.ErrorContext(r.Context(), "failed to create browser session", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		h.setSessionCookie(w, e.ID())
	}

	if err := e.Login(r.Context(), req.Username, req.Password, clientInfo(r)); err != nil {
		switch {
		case gateway.IsAuth(err):
			respondError(w, http.StatusUnauthorized, "invalid credentials")
		case gateway.IsValidation(err):
			respondError(w, http.StatusBadRequest, "invalid credentials")
		default:
			respondGatewayError(w, r, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, TransitionResponse{
		Navigation: navigation.Root(),
		Session:    newSessionView(e),
	})
}

// Logout handles user logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	nav := navigation.Login()
	if e := GetEngine(r.Context()); e != nil {
		nav = e.Logout(r.Context(), clientInfo(r))
		if err := h.registry.Remove(r.Context(), e.ID()); err != nil {
			slog.ErrorContext(r.Context(), "failed to remove browser session",
				logger.SessionID(e.ID()),
				logger.Error(err),
			)
		}
	}
	h.clearSessionCookie(w)

	respondJSON(w, http.StatusOK, map[string]any{
		"message":    "logged out successfully",
		"navigation": nav,
	})
}

// GetSession returns the current session state
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newSessionView(GetEngine(r.Context())))
}

// RoleRequest selects the active role
type RoleRequest struct {
	RoleID int64 `json:"roleId"`
}

// TenantRequest selects a tenant; 0 on switch means global scope
type TenantRequest struct {
	TenantID int64 `json:"tenantId"`
}

// SelectRole activates a role
func (h *Handler) SelectRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e := GetEngine(r.Context())
	nav, err := e.SelectRole(r.Context(), req.RoleID)
	h.respondTransition(w, r, e, nav, err)
}

// SelectTenant enters tenant scope from global scope
func (h *Handler) SelectTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e := GetEngine(r.Context())
	nav, err := e.SelectTenant(r.Context(), req.TenantID)
	h.respondTransition(w, r, e, nav, err)
}

// SwitchTenant moves between tenants
func (h *Handler) SwitchTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e := GetEngine(r.Context())
	nav, err := e.SwitchTenant(r.Context(), req.TenantID)
	h.respondTransition(w, r, e, nav, err)
}

// ExitTenant returns to global scope
func (h *Handler) ExitTenant(w http.ResponseWriter, r *http.Request) {
	e := GetEngine(r.Context())
	nav, err := e.ExitTenant(r.Context())
	h.respondTransition(w, r, e, nav, err)
}

// Menu returns the navigation tree of the active permission set
func (h *Handler) Menu(w http.ResponseWriter, r *http.Request) {
	e := GetEngine(r.Context())
	if !h.ensureResolved(w, r, e) {
		return
	}
	menu := e.Store().Menu()
	if menu == nil {
		menu = []session.Module{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"modules": menu})
}

// CheckPermission answers a permission query by component and action, or by path
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	componentKey, action, route := q.Get("componentKey"), q.Get("action"), q.Get("path")
	if route == "" && (componentKey == "" || action == "") {
		respondError(w, http.StatusBadRequest, "componentKey and action, or path, are required")
		return
	}

	e := GetEngine(r.Context())
	if !h.ensureResolved(w, r, e) {
		return
	}

	var allowed bool
	if route != "" {
		allowed = e.Store().AllowsPath(route)
	} else {
		allowed = e.Store().HasPermission(componentKey, action)
	}
	if !allowed {
		resource := route
		if resource == "" {
			resource = componentKey + ":" + action
		}
		h.denied(r, e, resource)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

// GuardResponse is the outcome of a client-side route check
type GuardResponse struct {
	State      string                `json:"state"`
	Navigation navigation.Navigation `json:"navigation"`
	Error      string                `json:"error,omitempty"`
}

// Guard evaluates a protected client-side navigation
func (h *Handler) Guard(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("route")
	if route == "" {
		route = navigation.RootPath
	}
	d := GetEngine(r.Context()).Check(r.Context(), route)

	resp := GuardResponse{State: string(d.State), Navigation: d.Navigation}
	if d.Err != nil {
		resp.Error = publicMessage(d.Err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// ExpiryResponse carries the expiry countdown
type ExpiryResponse struct {
	Status  expiry.Status   `json:"status"`
	Warning *expiry.Warning `json:"warning,omitempty"`
}

// Expiry returns the session expiry countdown
func (h *Handler) Expiry(w http.ResponseWriter, r *http.Request) {
	e := GetEngine(r.Context())
	resp := ExpiryResponse{Status: e.Expiry()}
	if warning, ok := e.Warning(); ok {
		resp.Warning = &warning
	}
	respondJSON(w, http.StatusOK, resp)
}

// ensureResolved resolves the permission set once when it does not belong
// to the current context. It writes the response and returns false when
// the request cannot proceed.
func (h *Handler) ensureResolved(w http.ResponseWriter, r *http.Request, e *console.Engine) bool {
	if e.Store().Resolved() {
		return true
	}
	outcome, err := e.Resolve(r.Context())
	switch {
	case outcome == authz.OutcomeLoggedOut:
		respondJSON(w, http.StatusUnauthorized, map[string]any{
			"error":      "session is no longer valid",
			"navigation": navigation.Login(),
		})
		return false
	case err != nil:
		respondGatewayError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) respondTransition(w http.ResponseWriter, r *http.Request, e *console.Engine, nav navigation.Navigation, err error) {
	if err == nil {
		respondJSON(w, http.StatusOK, TransitionResponse{Navigation: nav, Session: newSessionView(e)})
		return
	}

	switch {
	case errors.Is(err, tenant.ErrTransitionInProgress):
		respondError(w, http.StatusConflict, "a tenant transition is already in progress")
	case gateway.IsAuth(err), errors.Is(err, session.ErrNotAuthenticated):
		respondJSON(w, http.StatusUnauthorized, map[string]any{
			"error":      "session is no longer valid",
			"navigation": navigation.Login(),
		})
	case gateway.IsValidation(err):
		respondError(w, http.StatusBadRequest, publicMessage(err))
	default:
		respondGatewayError(w, r, err)
	}
}

// Helper functions
func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionConfig.CookieName,
		Value:    sessionID,
		Path:     h.sessionConfig.CookiePath,
		Domain:   h.sessionConfig.CookieDomain,
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: h.sessionConfig.CookieHTTPOnly,
		SameSite: h.sessionConfig.CookieSameSite,
		MaxAge:   int(h.sessionConfig.MaxAge.Seconds()),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionConfig.CookieName,
		Value:    "",
		Path:     h.sessionConfig.CookiePath,
		Domain:   h.sessionConfig.CookieDomain,
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: h.sessionConfig.CookieHTTPOnly,
		SameSite: h.sessionConfig.CookieSameSite,
		MaxAge:   -1,
	})
}

func (h *Handler) getSessionFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(h.sessionConfig.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func clientInfo(r *http.Request) console.ClientInfo {
	return console.ClientInfo{IPAddress: getIPAddress(r), UserAgent: r.UserAgent()}
}

// publicMessage returns an error message safe to show to the browser
func publicMessage(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Err != nil && gerr.Message == "":
			return gerr.Err.Error()
		case gerr.Kind == gateway.KindValidation && gerr.Message != "":
			return gerr.Message
		}
		return string(gerr.Kind)
	}
	return "request failed"
}

func respondGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	slog.WarnContext(r.Context(), "identity api request failed",
		logger.RequestID(middleware.GetReqID(r.Context())),
		logger.SessionID(GetSessionID(r.Context())),
		logger.ErrorKind(string(gateway.KindOf(err))),
		logger.Error(err),
	)
	if gateway.IsNetwork(err) {
		respondError(w, http.StatusBadGateway, "identity service unavailable")
		return
	}
	respondError(w, http.StatusBadGateway, "identity service error")
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
