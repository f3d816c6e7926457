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
	"errors"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/console"
	"github.com/opentrusty/console/internal/guard"
	"github.com/opentrusty/console/internal/navigation"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/session"
)

// Console Authorization Principles:
// 1. The browser only ever holds an opaque session id; the bearer token stays server side
// 2. Protected pages render only after the guard reports ready
// 3. Tenant context comes from the session store, never from request headers

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// SessionMiddleware attaches the engine of the browser session cookie, if
// any, to the request context. Unknown or malformed ids clear the cookie.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := h.getSessionFromCookie(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		e, err := h.registry.Get(r.Context(), id)
		switch {
		case err == nil:
			r = r.WithContext(withEngine(r.Context(), e))
		case errors.Is(err, console.ErrInvalidSessionID), errors.Is(err, session.ErrSnapshotNotFound):
			h.clearSessionCookie(w)
		default:
			slog.ErrorContext(r.Context(), "failed to load browser session",
				logger.Component("http"),
				logger.Error(err),
			)
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects API requests without an authenticated session
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := GetEngine(r.Context())
		if e == nil || !e.Store().IsAuthenticated() {
			message := "not authenticated"
			if e != nil && e.Expired() {
				message = "session expired"
			}
			respondJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      message,
				"navigation": navigation.Login(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PageGuard gates SPA page routes. Static assets pass through; every other
// route is served only after the guard reports ready and the permission set
// covers it.
func (h *Handler) PageGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := path.Clean("/" + r.URL.Path)
		if path.Ext(route) != "" {
			next.ServeHTTP(w, r)
			return
		}

		e := GetEngine(r.Context())
		if e == nil {
			http.Redirect(w, r, navigation.LoginPath, http.StatusSeeOther)
			return
		}

		d := e.Check(r.Context(), route)
		switch {
		case d.State == guard.StateUnauthenticated:
			http.Redirect(w, r, navigation.LoginPath, http.StatusSeeOther)
			return
		case !d.Ready():
			if d.Err != nil {
				slog.WarnContext(r.Context(), "page guard not ready",
					logger.Component("http"),
					logger.SessionID(e.ID()),
					logger.Route(route),
					logger.Error(d.Err),
				)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "session is not ready", http.StatusServiceUnavailable)
			return
		}

		if route != navigation.RootPath && !e.Store().AllowsPath(route) {
			h.denied(r, e, route)
			http.Redirect(w, r, navigation.RootPath, http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) denied(r *http.Request, e *console.Engine, resource string) {
	key := e.Store().Context()
	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeAccessDenied,
		SessionID: e.ID(),
		ActorID:   audit.ID(key.UserID),
		RoleID:    audit.ID(key.RoleID),
		TenantID:  audit.ID(key.TenantID),
		Resource:  resource,
		IPAddress: getIPAddress(r),
		UserAgent: r.UserAgent(),
	})
}

// CSRFMiddleware protects against Cross-Site Request Forgery for state-changing requests.
// We enforce a custom header 'X-CSRF-Token'.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		// A cross-site form post cannot set custom headers
		if r.Header.Get("X-CSRF-Token") == "" {
			slog.WarnContext(r.Context(), "missing CSRF token header",
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
			)
			respondError(w, http.StatusForbidden, "X-CSRF-Token header is required for state-changing operations")
			return
		}

		next.ServeHTTP(w, r)
	})
}
