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

package tenant

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

// Switcher executes the select, switch and exit protocols. The store only
// changes after the gateway has acknowledged a transition.
type Switcher struct {
	store     *session.Store
	gw        gateway.Gateway
	resolver  *authz.Resolver
	audit     audit.Logger
	metrics   *metrics.Instruments
	sessionID string
	now       func() time.Time

	mu      sync.Mutex
	pending *Pending
}

// Option configures a Switcher
type Option func(*Switcher)

// WithAudit sets the audit logger
func WithAudit(l audit.Logger) Option {
	return func(s *Switcher) { s.audit = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(in *metrics.Instruments) Option {
	return func(s *Switcher) { s.metrics = in }
}

// WithSessionID tags audit events with the browser session id
func WithSessionID(id string) Option {
	return func(s *Switcher) { s.sessionID = id }
}

// NewSwitcher creates a new switcher
func NewSwitcher(store *session.Store, gw gateway.Gateway, resolver *authz.Resolver, opts ...Option) *Switcher {
	s := &Switcher{
		store:    store,
		gw:       gw,
		resolver: resolver,
		audit:    audit.NewSlogLogger(),
		metrics:  metrics.NoopInstruments(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the scope the session currently operates in
func (s *Switcher) Mode() Mode {
	if s.store.GlobalMode() {
		return ModeGlobal
	}
	return ModeTenantScoped
}

// Pending returns the transition in flight, if any
func (s *Switcher) Pending() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Pending{}, false
	}
	return *s.pending, true
}

// Select enters the scope of tenantID from global scope
func (s *Switcher) Select(ctx context.Context, tenantID int64) (navigation.Navigation, error) {
	const op = gateway.OpSelectTenant

	key, token, err := s.begin(op, tenantID)
	if err != nil {
		return navigation.Navigation{}, err
	}
	defer s.end()

	if s.Mode() != ModeGlobal {
		return navigation.Navigation{}, gateway.ValidationWrap(op, ErrNotGlobal)
	}
	target, ok := s.store.Tenant(tenantID)
	if !ok {
		return navigation.Navigation{}, gateway.ValidationWrap(op, session.ErrTenantNotInCatalog)
	}

	ack, err := s.gw.SelectTenant(ctx, token, tenantID)
	if err != nil {
		return s.abort(ctx, op, key, token, err)
	}
	return s.commit(ctx, op, key, &target, ack, audit.TypeTenantSelected)
}

// Switch moves from the current tenant to tenantID. tenantID 0 returns to
// global scope through the switch endpoint.
func (s *Switcher) Switch(ctx context.Context, tenantID int64) (navigation.Navigation, error) {
	const op = gateway.OpSwitchTenant

	key, token, err := s.begin(op, tenantID)
	if err != nil {
		return navigation.Navigation{}, err
	}
	defer s.end()

	if s.Mode() != ModeTenantScoped {
		return navigation.Navigation{}, gateway.ValidationWrap(op, ErrNotTenantScoped)
	}
	var target *session.Tenant
	if tenantID != 0 {
		t, ok := s.store.Tenant(tenantID)
		if !ok {
			return navigation.Navigation{}, gateway.ValidationWrap(op, session.ErrTenantNotInCatalog)
		}
		if tenantID == key.TenantID {
			return navigation.Navigation{}, gateway.ValidationWrap(op, ErrSameTenant)
		}
		target = &t
	}

	ack, err := s.gw.SwitchTenant(ctx, token, tenantID)
	if err != nil {
		return s.abort(ctx, op, key, token, err)
	}
	return s.commit(ctx, op, key, target, ack, audit.TypeTenantSwitched)
}

// Exit leaves tenant scope and returns to global scope
func (s *Switcher) Exit(ctx context.Context) (navigation.Navigation, error) {
	const op = gateway.OpExitTenant

	key, token, err := s.begin(op, 0)
	if err != nil {
		return navigation.Navigation{}, err
	}
	defer s.end()

	if s.Mode() != ModeTenantScoped {
		return navigation.Navigation{}, gateway.ValidationWrap(op, ErrNotTenantScoped)
	}

	ack, err := s.gw.ExitTenant(ctx, token)
	if err != nil {
		return s.abort(ctx, op, key, token, err)
	}
	return s.commit(ctx, op, key, nil, ack, audit.TypeTenantExited)
}

func (s *Switcher) begin(op string, tenantID int64) (session.ContextKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return session.ContextKey{}, "", ErrTransitionInProgress
	}
	key, token, ok := s.store.Current()
	if !ok {
		return session.ContextKey{}, "", session.ErrNotAuthenticated
	}
	s.pending = &Pending{Op: op, TenantID: tenantID, Since: s.now()}
	return key, token, nil
}

func (s *Switcher) end() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// commit applies an acknowledged transition and re-resolves permissions.
// A failed re-resolution does not roll the scope back.
func (s *Switcher) commit(ctx context.Context, op string, from session.ContextKey, target *session.Tenant, ack *gateway.TenantAck, auditType string) (navigation.Navigation, error) {
	var token string
	if ack != nil {
		token = ack.Token
	}
	if err := s.store.ApplyTenantScope(target, token); err != nil {
		s.metrics.Transition(ctx, op, "rejected")
		return navigation.Navigation{}, fmt.Errorf("failed to apply tenant scope: %w", err)
	}
	s.metrics.Transition(ctx, op, "success")

	to := s.store.Context()
	meta := map[string]any{"from_tenant_id": from.TenantID, "to_tenant_id": to.TenantID}
	if target != nil {
		meta["tenant_name"] = target.Name
	}
	s.audit.Log(ctx, audit.Event{
		Type:      auditType,
		SessionID: s.sessionID,
		ActorID:   audit.ID(to.UserID),
		RoleID:    audit.ID(to.RoleID),
		TenantID:  audit.ID(to.TenantID),
		Resource:  op,
		Metadata:  meta,
	})
	slog.InfoContext(ctx, "tenant scope changed",
		logger.Component("tenant"),
		logger.Operation(op),
		logger.UserID(to.UserID),
		logger.TenantID(to.TenantID),
	)

	if _, err := s.resolver.Resolve(ctx); err != nil {
		if errors.Is(err, authz.ErrAuthentication) {
			return navigation.Login(), err
		}
		slog.WarnContext(ctx, "permission re-resolution after tenant change failed",
			logger.Component("tenant"),
			logger.Operation(op),
			logger.Error(err),
		)
	}
	return navigation.Root(), nil
}

// abort handles a rejected transition. The store is left unchanged unless
// the gateway reported the session itself as invalid.
func (s *Switcher) abort(ctx context.Context, op string, key session.ContextKey, token string, err error) (navigation.Navigation, error) {
	s.metrics.Transition(ctx, op, string(gateway.KindOf(err)))

	if !gateway.IsAuth(err) {
		slog.WarnContext(ctx, "tenant transition failed",
			logger.Component("tenant"),
			logger.Operation(op),
			logger.ErrorKind(string(gateway.KindOf(err))),
			logger.Error(err),
		)
		return navigation.Navigation{}, err
	}

	if s.store.InvalidateIf(key, token) {
		s.audit.Log(ctx, audit.Event{
			Type:      audit.TypeSessionInvalidated,
			SessionID: s.sessionID,
			ActorID:   audit.ID(key.UserID),
			TenantID:  audit.ID(key.TenantID),
			Resource:  op,
		})
	}
	if s.store.IsAuthenticated() {
		return navigation.Navigation{}, fmt.Errorf("%w: %w", authz.ErrAuthentication, err)
	}
	return navigation.Login(), fmt.Errorf("%w: %w", authz.ErrAuthentication, err)
}
