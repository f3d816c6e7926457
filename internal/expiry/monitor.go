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

// Package expiry warns ahead of session token expiry and logs the session
// out once the token has expired. The expiry is read from the token without
// verifying its signature; it drives UX only and never an authorization
// decision.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/observability/metrics"
	"github.com/opentrusty/console/internal/session"
)

// DefaultWarningWindow is how long before expiry the warning fires
const DefaultWarningWindow = 60 * time.Second

// TickInterval is the period of Run
const TickInterval = time.Second

// Domain errors
var (
	ErrMalformedToken = errors.New("malformed session token")
	ErrNoExpiry       = errors.New("session token declares no expiry")
)

// DecodeExpiry returns the exp claim of token without verifying it
func DecodeExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// Warning is emitted once per token shortly before it expires
type Warning struct {
	ExpiresAt time.Time     `json:"expiresAt"`
	Remaining time.Duration `json:"-"`
}

// Seconds returns the whole seconds left, rounded up
func (w Warning) Seconds() int64 {
	return int64((w.Remaining + time.Second - 1) / time.Second)
}

// Notifier receives the monitor's user-facing notifications
type Notifier interface {
	Warn(ctx context.Context, w Warning)
	Expired(ctx context.Context)
}

// Status is a point-in-time view of the monitor
type Status struct {
	Armed            bool          `json:"armed"`
	ExpiresAt        time.Time     `json:"expiresAt,omitzero"`
	Warned           bool          `json:"warned"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds int64         `json:"remainingSeconds"`
}

// Monitor watches the token of one session store
type Monitor struct {
	store     *session.Store
	notifier  Notifier
	window    time.Duration
	audit     audit.Logger
	metrics   *metrics.Instruments
	sessionID string
	now       func() time.Time

	mu        sync.Mutex
	token     string
	observed  bool
	armed     bool
	expiresAt time.Time
	warned    bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithWindow sets the warning window
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithAudit sets the audit logger
func WithAudit(l audit.Logger) Option {
	return func(m *Monitor) { m.audit = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(in *metrics.Instruments) Option {
	return func(m *Monitor) { m.metrics = in }
}

// WithSessionID tags audit events with the browser session id
func WithSessionID(id string) Option {
	return func(m *Monitor) { m.sessionID = id }
}

// WithClock overrides the time source used by Run and Status
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor. A nil notifier discards notifications.
func NewMonitor(store *session.Store, notifier Notifier, opts ...Option) *Monitor {
	if notifier == nil {
		notifier = discard{}
	}
	m := &Monitor{
		store:    store,
		notifier: notifier,
		window:   DefaultWarningWindow,
		audit:    audit.NewSlogLogger(),
		metrics:  metrics.NoopInstruments(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks once per second until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	m.Tick(ctx, m.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx, m.now())
		}
	}
}

// Tick performs one expiry check at now
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	key, token, _ := m.store.Current()

	m.mu.Lock()
	if !m.observed || token != m.token {
		m.observe(ctx, token)
	}
	if !m.armed {
		m.mu.Unlock()
		return
	}

	remaining := m.expiresAt.Sub(now)
	switch {
	case remaining <= 0:
		m.armed = false
		m.mu.Unlock()
		m.expire(ctx, key, token)
	case remaining <= m.window && !m.warned:
		m.warned = true
		w := Warning{ExpiresAt: m.expiresAt, Remaining: remaining}
		m.mu.Unlock()
		m.notifier.Warn(ctx, w)
	default:
		m.mu.Unlock()
	}
}

// observe switches to a new token value. Must hold m.mu.
func (m *Monitor) observe(ctx context.Context, token string) {
	m.observed = true
	m.token = token
	m.warned = false
	m.armed = false
	m.expiresAt = time.Time{}
	if token == "" {
		return
	}

	exp, err := DecodeExpiry(token)
	if err != nil {
		slog.WarnContext(ctx, "session token expiry unreadable, monitor not armed",
			logger.Component("expiry"),
			logger.SessionID(m.sessionID),
			logger.Error(err),
		)
		return
	}
	m.armed = true
	m.expiresAt = exp
}

func (m *Monitor) expire(ctx context.Context, key session.ContextKey, token string) {
	if !m.store.InvalidateIf(key, token) {
		return
	}
	slog.InfoContext(ctx, "session expired",
		logger.Component("expiry"),
		logger.SessionID(m.sessionID),
		logger.UserID(key.UserID),
	)
	m.metrics.Expired(ctx)
	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeSessionExpired,
		SessionID: m.sessionID,
		ActorID:   audit.ID(key.UserID),
		RoleID:    audit.ID(key.RoleID),
		TenantID:  audit.ID(key.TenantID),
	})
	m.notifier.Expired(ctx)
}

// Status returns the monitor state as of now
func (m *Monitor) Status() Status {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Armed: m.armed, ExpiresAt: m.expiresAt, Warned: m.warned}
	if m.armed {
		st.Remaining = max(m.expiresAt.Sub(now), 0)
		st.RemainingSeconds = int64(st.Remaining.Round(time.Second) / time.Second)
	}
	return st
}

type discard struct{}

func (discard) Warn(context.Context, Warning) {}
func (discard) Expired(context.Context)       {}
