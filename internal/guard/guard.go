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

// Package guard gates protected navigation on an authenticated session
// whose permission set is resolved for the current context.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/authz"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/navigation"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/observability/metrics"
	"github.com/opentrusty/console/internal/session"
)

// State is a guard state
type State string

// Guard states
const (
	StateCheckingSession      State = "checking_session"
	StateUnauthenticated      State = "unauthenticated"
	StateResolvingPermissions State = "resolving_permissions"
	StateReady                State = "ready"
)

// Domain errors
var (
	ErrSessionMismatch = errors.New("session belongs to a different user")
	ErrNoActiveRole    = errors.New("session has no active role")
)

// Decision is the result of one route check. Protected content may only be
// rendered when State is StateReady.
type Decision struct {
	State      State
	Navigation navigation.Navigation
	Err        error
}

// Ready reports whether protected content may be rendered
func (d Decision) Ready() bool {
	return d.State == StateReady
}

// Config holds guard configuration
type Config struct {
	// RecheckAfter re-verifies an already verified token after this long.
	// Zero verifies each token once.
	RecheckAfter time.Duration
	// MaxAttempts bounds synchronous resolutions per check when results
	// keep arriving for an outdated context.
	MaxAttempts int
}

// Guard evaluates protected navigation for one session
type Guard struct {
	store     *session.Store
	gw        gateway.Gateway
	resolver  *authz.Resolver
	cfg       Config
	audit     audit.Logger
	metrics   *metrics.Instruments
	sessionID string
	now       func() time.Time

	mu           sync.Mutex
	checkedToken string
	checkedAt    time.Time
	lastRoute    string

	background sync.WaitGroup
}

// Option configures a Guard
type Option func(*Guard)

// WithAudit sets the audit logger
func WithAudit(l audit.Logger) Option {
	return func(g *Guard) { g.audit = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(in *metrics.Instruments) Option {
	return func(g *Guard) { g.metrics = in }
}

// WithSessionID tags audit events with the browser session id
func WithSessionID(id string) Option {
	return func(g *Guard) { g.sessionID = id }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a new guard
func New(store *session.Store, gw gateway.Gateway, resolver *authz.Resolver, cfg Config, opts ...Option) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	g := &Guard{
		store:    store,
		gw:       gw,
		resolver: resolver,
		cfg:      cfg,
		audit:    audit.NewSlogLogger(),
		metrics:  metrics.NoopInstruments(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates route. It blocks while the session is verified and
// permissions are resolved.
func (g *Guard) Check(ctx context.Context, route string) Decision {
	d := g.check(ctx, route)
	g.metrics.GuardDecision(ctx, string(d.State))
	return d
}

func (g *Guard) check(ctx context.Context, route string) Decision {
	key, token, ok := g.store.Current()
	if !ok || token == "" {
		return unauthenticated(nil)
	}

	if g.needsSessionCheck(token) {
		if d, ok := g.checkSession(ctx, key, token); !ok {
			return d
		}
	}

	routeChanged := g.swapRoute(route)
	if g.store.Resolved() {
		if routeChanged {
			g.recheck(ctx)
		}
		return Decision{State: StateReady}
	}

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		outcome, err := g.resolver.Resolve(ctx)
		if err != nil {
			if errors.Is(err, authz.ErrAuthentication) {
				return unauthenticated(err)
			}
			return Decision{State: StateResolvingPermissions, Err: err}
		}
		if g.store.Resolved() {
			return Decision{State: StateReady}
		}
		if outcome == authz.OutcomeSkipped {
			break
		}
	}

	if !g.store.IsAuthenticated() {
		return unauthenticated(nil)
	}
	if g.store.CurrentRole() == nil {
		return Decision{State: StateResolvingPermissions, Err: ErrNoActiveRole}
	}
	return Decision{State: StateResolvingPermissions}
}

// checkSession verifies token with the gateway. ok is false when the
// returned decision must be used as is.
func (g *Guard) checkSession(ctx context.Context, key session.ContextKey, token string) (Decision, bool) {
	info, err := g.gw.CheckSession(ctx, token)
	if err == nil && info != nil && info.User.ID != 0 && info.User.ID != key.UserID {
		err = ErrSessionMismatch
	}
	if err == nil {
		g.MarkVerified(token)
		return Decision{}, true
	}

	if !gateway.IsAuth(err) && !errors.Is(err, ErrSessionMismatch) {
		slog.WarnContext(ctx, "session check failed",
			logger.Component("guard"),
			logger.ErrorKind(string(gateway.KindOf(err))),
			logger.Error(err),
		)
		return Decision{State: StateCheckingSession, Err: err}, false
	}

	if g.store.InvalidateIf(key, token) {
		slog.InfoContext(ctx, "session rejected by identity api",
			logger.Component("guard"),
			logger.UserID(key.UserID),
			logger.Error(err),
		)
		g.audit.Log(ctx, audit.Event{
			Type:      audit.TypeSessionInvalidated,
			SessionID: g.sessionID,
			ActorID:   audit.ID(key.UserID),
			RoleID:    audit.ID(key.RoleID),
			TenantID:  audit.ID(key.TenantID),
			Resource:  gateway.OpCheckSession,
		})
	}
	return unauthenticated(fmt.Errorf("%w: %w", authz.ErrAuthentication, err)), false
}

// MarkVerified records token as verified, e.g. right after a login
func (g *Guard) MarkVerified(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkedToken = token
	g.checkedAt = g.now()
}

func (g *Guard) needsSessionCheck(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkedToken != token {
		return true
	}
	return g.cfg.RecheckAfter > 0 && g.now().Sub(g.checkedAt) >= g.cfg.RecheckAfter
}

func (g *Guard) swapRoute(route string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := g.lastRoute != route
	g.lastRoute = route
	return changed
}

// recheck re-resolves in the background; the current, context-valid
// permission set keeps serving until the result lands.
func (g *Guard) recheck(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		if _, err := g.resolver.Resolve(ctx); err != nil && !errors.Is(err, authz.ErrAuthentication) {
			slog.DebugContext(ctx, "background permission re-check failed",
				logger.Component("guard"),
				logger.Error(err),
			)
		}
	}()
}

// Wait blocks until background re-checks have finished
func (g *Guard) Wait() {
	g.background.Wait()
}

func unauthenticated(err error) Decision {
	return Decision{State: StateUnauthenticated, Navigation: navigation.Login(), Err: err}
}
