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

// Package console wires the session engine together: one Engine per
// browser session, held by a Registry.
package console

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/authz"
	"github.com/opentrusty/console/internal/expiry"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/guard"
	"github.com/opentrusty/console/internal/navigation"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/observability/metrics"
	"github.com/opentrusty/console/internal/observability/tracing"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/tenant"
)

// OpSelectRole names role selection in errors and audit records
const OpSelectRole = "select_role"

// Config holds per-session engine configuration
type Config struct {
	Guard         guard.Config
	WarningWindow time.Duration
}

// Option configures engines
type Option func(*options)

type options struct {
	audit   audit.Logger
	metrics *metrics.Instruments
	tracer  *tracing.Tracer
	now     func() time.Time
}

// WithAudit sets the audit logger
func WithAudit(l audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(in *metrics.Instruments) Option {
	return func(o *options) { o.metrics = in }
}

// WithTracer sets the tracer
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		audit:   audit.NewSlogLogger(),
		metrics: metrics.NoopInstruments(),
		tracer:  tracing.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ClientInfo describes the browser behind a request, for audit records
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// Engine is the session and authorization engine of one browser session
type Engine struct {
	id       string
	store    *session.Store
	gw       gateway.Gateway
	resolver *authz.Resolver
	switcher *tenant.Switcher
	guard    *guard.Guard
	monitor  *expiry.Monitor
	audit    audit.Logger

	mu      sync.Mutex
	warning *expiry.Warning
	expired bool

	stopWatch func()
}

// NewEngine creates the engine of browser session id
func NewEngine(id string, gw gateway.Gateway, cfg Config, opts ...Option) *Engine {
	o := buildOptions(opts)
	store := session.NewStore()

	e := &Engine{
		id:    id,
		store: store,
		gw:    gw,
		audit: o.audit,
	}
	e.resolver = authz.NewResolver(store, gw,
		authz.WithAudit(o.audit),
		authz.WithMetrics(o.metrics),
		authz.WithTracer(o.tracer),
		authz.WithSessionID(id),
	)
	e.switcher = tenant.NewSwitcher(store, gw, e.resolver,
		tenant.WithAudit(o.audit),
		tenant.WithMetrics(o.metrics),
		tenant.WithSessionID(id),
	)
	e.guard = guard.New(store, gw, e.resolver, cfg.Guard,
		guard.WithAudit(o.audit),
		guard.WithMetrics(o.metrics),
		guard.WithSessionID(id),
		guard.WithClock(o.now),
	)
	e.monitor = expiry.NewMonitor(store, notifier{e},
		expiry.WithWindow(cfg.WarningWindow),
		expiry.WithAudit(o.audit),
		expiry.WithMetrics(o.metrics),
		expiry.WithSessionID(id),
		expiry.WithClock(o.now),
	)
	return e
}

// Start enables event-driven permission resolution
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopWatch == nil {
		e.stopWatch = e.resolver.Watch(context.WithoutCancel(ctx))
	}
}

// Close stops background work and waits for it
func (e *Engine) Close() {
	e.mu.Lock()
	stop := e.stopWatch
	e.stopWatch = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	e.guard.Wait()
}

// ID returns the browser session id
func (e *Engine) ID() string { return e.id }

// Store returns the session store
func (e *Engine) Store() *session.Store { return e.store }

// Switcher returns the tenant scope switcher
func (e *Engine) Switcher() *tenant.Switcher { return e.switcher }

// Login authenticates against the identity API and starts a session
func (e *Engine) Login(ctx context.Context, username, password string, client ClientInfo) error {
	res, err := e.gw.Login(ctx, username, password)
	if err != nil {
		e.audit.Log(ctx, audit.Event{
			Type:      audit.TypeLoginFailed,
			SessionID: e.id,
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
			Metadata: map[string]any{
				"username":   username,
				"error_kind": string(gateway.KindOf(err)),
			},
		})
		return err
	}

	e.mu.Lock()
	e.warning = nil
	e.expired = false
	e.mu.Unlock()

	e.store.Login(*res)
	e.guard.MarkVerified(res.Token)

	// The login payload already carries the permission set of the default
	// role in global scope; a newer resolution overrides it.
	key := e.store.Context()
	if key.RoleID != 0 && (len(res.Permissions) > 0 || len(res.Modules) > 0) {
		e.store.ReplacePermissions(key, 0, session.Resolution{
			Permissions: res.Permissions,
			Modules:     res.Modules,
		})
	}

	e.audit.Log(ctx, audit.Event{
		Type:      audit.TypeLoginSuccess,
		SessionID: e.id,
		ActorID:   audit.ID(key.UserID),
		RoleID:    audit.ID(key.RoleID),
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	slog.InfoContext(ctx, "login succeeded",
		logger.Component("console"),
		logger.SessionID(e.id),
		logger.UserID(key.UserID),
	)
	return nil
}

// Logout ends the session. The remote logout is best effort; the local
// session is always cleared.
func (e *Engine) Logout(ctx context.Context, client ClientInfo) navigation.Navigation {
	key, token, ok := e.store.Current()
	if token != "" {
		if err := e.gw.Logout(ctx, token); err != nil {
			slog.WarnContext(ctx, "remote logout failed",
				logger.Component("console"),
				logger.SessionID(e.id),
				logger.ErrorKind(string(gateway.KindOf(err))),
				logger.Error(err),
			)
		}
	}
	e.store.Logout()

	if ok {
		e.audit.Log(ctx, audit.Event{
			Type:      audit.TypeLogout,
			SessionID: e.id,
			ActorID:   audit.ID(key.UserID),
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
		})
	}
	return navigation.Login()
}

// SelectRole activates roleID and resolves its permission set
func (e *Engine) SelectRole(ctx context.Context, roleID int64) (navigation.Navigation, error) {
	if err := e.store.SetActiveRole(roleID); err != nil {
		return navigation.Navigation{}, gateway.ValidationWrap(OpSelectRole, err)
	}
	key := e.store.Context()
	e.audit.Log(ctx, audit.Event{
		Type:      audit.TypeRoleSelected,
		SessionID: e.id,
		ActorID:   audit.ID(key.UserID),
		RoleID:    audit.ID(key.RoleID),
		TenantID:  audit.ID(key.TenantID),
	})

	if _, err := e.resolver.Resolve(ctx); err != nil {
		if gateway.IsAuth(err) {
			return navigation.Login(), err
		}
		return navigation.Navigation{}, err
	}
	return navigation.Navigation{}, nil
}

// SelectTenant enters tenant scope
func (e *Engine) SelectTenant(ctx context.Context, tenantID int64) (navigation.Navigation, error) {
	return e.switcher.Select(ctx, tenantID)
}

// SwitchTenant moves to another tenant, or to global scope for 0
func (e *Engine) SwitchTenant(ctx context.Context, tenantID int64) (navigation.Navigation, error) {
	return e.switcher.Switch(ctx, tenantID)
}

// ExitTenant returns to global scope
func (e *Engine) ExitTenant(ctx context.Context) (navigation.Navigation, error) {
	return e.switcher.Exit(ctx)
}

// Check evaluates a protected navigation to route
func (e *Engine) Check(ctx context.Context, route string) guard.Decision {
	return e.guard.Check(ctx, route)
}

// Resolve re-resolves the permission set now
func (e *Engine) Resolve(ctx context.Context) (authz.Outcome, error) {
	return e.resolver.Resolve(ctx)
}

// Tick runs one expiry check
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.monitor.Tick(ctx, now)
}

// Expiry returns the expiry countdown
func (e *Engine) Expiry() expiry.Status {
	return e.monitor.Status()
}

// Warning returns the pending expiry warning, if one was emitted for the
// current token
func (e *Engine) Warning() (expiry.Warning, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warning == nil {
		return expiry.Warning{}, false
	}
	return *e.warning, true
}

// Expired reports whether the last session ended by token expiry
func (e *Engine) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired
}

// notifier receives the monitor's notifications for an engine
type notifier struct{ e *Engine }

func (n notifier) Warn(ctx context.Context, w expiry.Warning) {
	n.e.mu.Lock()
	n.e.warning = &w
	n.e.mu.Unlock()
	slog.InfoContext(ctx, "session about to expire",
		logger.Component("console"),
		logger.SessionID(n.e.id),
		slog.Int64("remaining_seconds", w.Seconds()),
	)
}

func (n notifier) Expired(context.Context) {
	n.e.mu.Lock()
	n.e.warning = nil
	n.e.expired = true
	n.e.mu.Unlock()
}
