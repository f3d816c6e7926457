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

// Package authz resolves the effective permission set of the active
// (user, role, tenant) context and reconciles it into a session.Store.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/observability/metrics"
	"github.com/opentrusty/console/internal/observability/tracing"
	"github.com/opentrusty/console/internal/session"
	"golang.org/x/sync/singleflight"
)

// ErrAuthentication wraps a 401/403 that invalidated the session
var ErrAuthentication = errors.New("authentication failed")

// Outcome describes what a resolution did to the store
type Outcome string

const (
	// OutcomeSkipped means no user or role was active
	OutcomeSkipped Outcome = "skipped"
	// OutcomeApplied means the payload replaced the permission set
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the context changed while the call was in flight
	// and the result was discarded
	OutcomeStale Outcome = "stale"
	// OutcomeLoggedOut means the gateway rejected the session
	OutcomeLoggedOut Outcome = "logged_out"
	// OutcomeFailed means a transient failure; the store was not touched
	OutcomeFailed Outcome = "failed"
)

// Resolver fetches permission sets through the gateway
type Resolver struct {
	store     *session.Store
	gw        gateway.Gateway
	audit     audit.Logger
	metrics   *metrics.Instruments
	tracer    *tracing.Tracer
	sessionID string

	seq   atomic.Uint64
	group singleflight.Group
}

// Option configures a Resolver
type Option func(*Resolver)

// WithAudit sets the audit logger
func WithAudit(l audit.Logger) Option {
	return func(r *Resolver) { r.audit = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(in *metrics.Instruments) Option {
	return func(r *Resolver) { r.metrics = in }
}

// WithTracer sets the tracer
func WithTracer(t *tracing.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithSessionID tags audit events with the browser session id
func WithSessionID(id string) Option {
	return func(r *Resolver) { r.sessionID = id }
}

// NewResolver creates a resolver bound to store
func NewResolver(store *session.Store, gw gateway.Gateway, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		gw:      gw,
		audit:   audit.NewSlogLogger(),
		metrics: metrics.NoopInstruments(),
		tracer:  tracing.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches the permission set of the current context and applies it
// if the context is still current when the response arrives.
func (r *Resolver) Resolve(ctx context.Context) (outcome Outcome, err error) {
	key, token, ok := r.store.Current()
	if !ok || key.UserID == 0 || key.RoleID == 0 {
		return OutcomeSkipped, nil
	}
	seq := r.seq.Add(1)

	ctx, span := r.tracer.Start(ctx, "authz.Resolve",
		tracing.ContextAttrs(key.UserID, key.RoleID, key.TenantID))
	start := time.Now()
	defer func() {
		r.metrics.Resolution(ctx, string(outcome), time.Since(start))
		tracing.End(span, err)
	}()

	v, err, shared := r.group.Do(key.String()+"|"+token, func() (any, error) {
		return r.gw.ResolvePermissions(ctx, token, key.RoleID, key.UserID)
	})
	if err != nil {
		return r.fail(ctx, key, token, err)
	}

	res := v.(*session.Resolution)
	if !r.store.ReplacePermissions(key, seq, *res) {
		slog.DebugContext(ctx, "discarded stale permission set",
			logger.Component("authz"),
			logger.UserID(key.UserID),
			logger.RoleID(key.RoleID),
			logger.TenantID(key.TenantID),
		)
		return OutcomeStale, nil
	}

	slog.DebugContext(ctx, "permission set applied",
		logger.Component("authz"),
		logger.UserID(key.UserID),
		logger.RoleID(key.RoleID),
		logger.TenantID(key.TenantID),
		slog.Int("permissions", len(res.Permissions)),
		slog.Bool("shared", shared),
	)
	return OutcomeApplied, nil
}

func (r *Resolver) fail(ctx context.Context, key session.ContextKey, token string, err error) (Outcome, error) {
	if !gateway.IsAuth(err) {
		slog.WarnContext(ctx, "permission resolution failed",
			logger.Component("authz"),
			logger.ErrorKind(string(gateway.KindOf(err))),
			logger.Error(err),
		)
		return OutcomeFailed, err
	}

	// An auth failure for a context that is no longer current says nothing
	// about the current session.
	if !r.store.InvalidateIf(key, token) {
		return OutcomeStale, nil
	}

	slog.WarnContext(ctx, "session invalidated during permission resolution",
		logger.Component("authz"),
		logger.UserID(key.UserID),
		logger.Error(err),
	)
	r.audit.Log(ctx, audit.Event{
		Type:      audit.TypeSessionInvalidated,
		SessionID: r.sessionID,
		ActorID:   audit.ID(key.UserID),
		RoleID:    audit.ID(key.RoleID),
		TenantID:  audit.ID(key.TenantID),
		Resource:  gateway.OpResolvePermissions,
		Metadata:  map[string]any{"status": statusOf(err)},
	})
	return OutcomeLoggedOut, fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// Watch resolves in the background after every login and every role or
// tenant change, until stop is called. stop waits for running resolutions.
func (r *Resolver) Watch(ctx context.Context) (stop func()) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	unsubscribe := r.store.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventLoggedIn, session.EventRoleChanged, session.EventTenantChanged:
		default:
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Resolve(ctx)
		}()
	})

	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
		wg.Wait()
	}
}

func statusOf(err error) int {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Status
	}
	return 0
}
