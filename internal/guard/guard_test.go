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

package guard

import (
	"context"
	"testing"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/authz"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/gateway/gatewaytest"
	"github.com/opentrusty/console/internal/navigation"
	"github.com/opentrusty/console/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *session.Store
	gw    *gatewaytest.Gateway
	audit *audit.Recorder
	guard *Guard
	clock time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: session.NewStore(),
		gw:    &gatewaytest.Gateway{},
		audit: &audit.Recorder{},
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	resolver := authz.NewResolver(f.store, f.gw, authz.WithAudit(f.audit))
	f.guard = New(f.store, f.gw, resolver, cfg,
		WithAudit(f.audit),
		WithClock(func() time.Time { return f.clock }),
	)
	t.Cleanup(func() {
		f.guard.Wait()
		f.gw.AssertExpectations(t)
	})
	return f
}

func (f *fixture) login() {
	f.store.Login(*gatewaytest.LoginResult("tok"))
}

func validSession() *gateway.SessionInfo {
	return &gateway.SessionInfo{User: session.User{ID: 7}}
}

// TestPurpose: Validates that unauthenticated navigation is redirected to login.
// Scope: Unit Test
// Security: No protected content without a session
// Expected: StateUnauthenticated, replace-navigation to login, no gateway calls.
// Test Case ID: GRD-01
func TestGuard_NoSession(t *testing.T) {
	f := newFixture(t, Config{})

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Equal(t, navigation.Login(), d.Navigation)
	assert.True(t, d.Navigation.Replace)
	assert.False(t, d.Ready())
}

// TestPurpose: Validates that a 401 from the session check logs the session out.
// Scope: Unit Test
// Security: Session invalidation on authentication failure
// Expected: Store unauthenticated with no user; redirect to login replacing history.
// Test Case ID: GRD-02
func TestGuard_SessionCheckUnauthorized(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.gw.On("CheckSession", mock.Anything, "tok").Return(nil, gatewaytest.Unauthorized(gateway.OpCheckSession)).Once()

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Equal(t, navigation.Login(), d.Navigation)
	assert.ErrorIs(t, d.Err, authz.ErrAuthentication)

	st := f.store.State()
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
	assert.Equal(t, []string{audit.TypeSessionInvalidated}, f.audit.Types())
}

// TestPurpose: Validates that transient session-check failures do not destroy the session.
// Scope: Unit Test
// Expected: StateCheckingSession with the error; still authenticated; no navigation.
// Test Case ID: GRD-03
func TestGuard_SessionCheckTransient(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.gw.On("CheckSession", mock.Anything, "tok").Return(nil, gatewaytest.NetworkError(gateway.OpCheckSession)).Once()

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateCheckingSession, d.State)
	assert.True(t, gateway.IsNetwork(d.Err))
	assert.True(t, d.Navigation.None())
	assert.True(t, f.store.IsAuthenticated())
}

// TestPurpose: Validates synchronous resolution when no permission set exists for the current context.
// Scope: Unit Test
// Expected: The first check resolves and settles in StateReady with the payload applied.
// Test Case ID: GRD-04
func TestGuard_ResolvesBeforeReady(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.gw.On("CheckSession", mock.Anything, "tok").Return(validSession(), nil).Once()
	f.gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(gatewaytest.Resolution("devices"), nil).Once()

	d := f.guard.Check(context.Background(), "/devices")
	require.True(t, d.Ready(), "decision: %+v", d)
	assert.True(t, f.store.HasPermission("devices", "read"))
}

// TestPurpose: Validates the lazy freshness policy of the session check.
// Scope: Unit Test
// Expected: One session check per token; repeated after RecheckAfter; repeated for a new token.
// Test Case ID: GRD-05
func TestGuard_LazySessionCheck(t *testing.T) {
	f := newFixture(t, Config{RecheckAfter: 5 * time.Minute})
	f.login()
	f.store.ReplacePermissions(f.store.Context(), 1, *gatewaytest.Resolution("devices"))

	f.gw.On("CheckSession", mock.Anything, "tok").Return(validSession(), nil).Twice()
	f.gw.On("CheckSession", mock.Anything, "tok-2").Return(validSession(), nil).Once()
	f.gw.On("ResolvePermissions", mock.Anything, mock.Anything, int64(1), int64(7)).
		Return(gatewaytest.Resolution("devices"), nil).Maybe()

	for i := 0; i < 3; i++ {
		assert.True(t, f.guard.Check(context.Background(), "/devices").Ready())
	}
	f.clock = f.clock.Add(5 * time.Minute)
	assert.True(t, f.guard.Check(context.Background(), "/devices").Ready())

	require.NoError(t, f.store.SetToken("tok-2"))
	assert.True(t, f.guard.Check(context.Background(), "/devices").Ready())
	f.guard.Wait()
	f.gw.AssertNumberOfCalls(t, "CheckSession", 3)
}

// TestPurpose: Validates the permission re-check on every route change.
// Scope: Unit Test
// Expected: A background resolution runs per route change, none for the same route.
// Test Case ID: GRD-06
func TestGuard_RouteChangeRechecks(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.guard.MarkVerified("tok")
	f.store.ReplacePermissions(f.store.Context(), 1, *gatewaytest.Resolution("devices"))

	f.gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(gatewaytest.Resolution("devices"), nil)

	for _, route := range []string{"/devices", "/devices", "/failures", "/devices"} {
		assert.True(t, f.guard.Check(context.Background(), route).Ready())
		f.guard.Wait()
	}
	f.gw.AssertNumberOfCalls(t, "ResolvePermissions", 3)
	f.gw.AssertNotCalled(t, "CheckSession", mock.Anything, mock.Anything)
}

// TestPurpose: Validates that a 403 during resolution ends in StateUnauthenticated.
// Scope: Unit Test
// Security: No protected content for an invalidated session
// Expected: Never Ready; login redirect; store logged out.
// Test Case ID: GRD-07
func TestGuard_ResolutionForbidden(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.guard.MarkVerified("tok")
	f.gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(nil, gatewaytest.Forbidden(gateway.OpResolvePermissions)).Once()

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Equal(t, navigation.Login(), d.Navigation)
	assert.False(t, f.store.IsAuthenticated())
}

// TestPurpose: Validates that protected content is never rendered while resolution fails transiently.
// Scope: Unit Test
// Expected: StateResolvingPermissions with the error; session kept.
// Test Case ID: GRD-08
func TestGuard_ResolutionTransient(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.guard.MarkVerified("tok")
	f.gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(nil, gatewaytest.ServerError(gateway.OpResolvePermissions)).Once()

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateResolvingPermissions, d.State)
	assert.Error(t, d.Err)
	assert.False(t, d.Ready())
	assert.True(t, f.store.IsAuthenticated())
}

// TestPurpose: Validates that a session belonging to another user is rejected.
// Scope: Unit Test
// Security: Session fixation / cross-account token reuse
// Expected: StateUnauthenticated with ErrSessionMismatch; store logged out.
// Test Case ID: GRD-09
func TestGuard_SessionUserMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.login()
	f.gw.On("CheckSession", mock.Anything, "tok").
		Return(&gateway.SessionInfo{User: session.User{ID: 8}}, nil).Once()

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.ErrorIs(t, d.Err, ErrSessionMismatch)
	assert.False(t, f.store.IsAuthenticated())
}

// TestPurpose: Validates the interim state for a session without any role.
// Scope: Unit Test
// Expected: StateResolvingPermissions with ErrNoActiveRole; no permission request.
// Test Case ID: GRD-10
func TestGuard_NoActiveRole(t *testing.T) {
	f := newFixture(t, Config{})
	res := gatewaytest.LoginResult("tok")
	res.Roles = nil
	f.store.Login(*res)
	f.guard.MarkVerified("tok")

	d := f.guard.Check(context.Background(), "/devices")
	assert.Equal(t, StateResolvingPermissions, d.State)
	assert.ErrorIs(t, d.Err, ErrNoActiveRole)
}
