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

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/gateway/gatewaytest"
	"github.com/opentrusty/console/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*session.Store, *gatewaytest.Gateway, *audit.Recorder, *Resolver) {
	t.Helper()
	store := session.NewStore()
	gw := &gatewaytest.Gateway{}
	rec := &audit.Recorder{}
	r := NewResolver(store, gw, WithAudit(rec), WithSessionID("sess-1"))
	t.Cleanup(func() { gw.AssertExpectations(t) })
	return store, gw, rec, r
}

// blockingCall makes the matching ResolvePermissions call wait for release
// after signalling entered.
func blockingCall(call *mock.Call) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	call.Run(func(mock.Arguments) {
		close(entered)
		<-release
	})
	return entered, release
}

// TestPurpose: Validates that resolution is skipped without an active user and role.
// Scope: Unit Test
// Expected: OutcomeSkipped, no gateway call, no error.
// Test Case ID: RES-01
func TestResolver_SkipsWithoutContext(t *testing.T) {
	store, _, _, r := setup(t)

	outcome, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	res := gatewaytest.LoginResult("tok")
	res.Roles = nil
	store.Login(*res)

	outcome, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

// TestPurpose: Validates a successful resolution replaces the permission set for the current context.
// Scope: Unit Test
// Expected: OutcomeApplied; HasPermission reflects the payload; NeedsResolution is false.
// Test Case ID: RES-02
func TestResolver_AppliesForCurrentContext(t *testing.T) {
	store, gw, _, r := setup(t)
	store.Login(*gatewaytest.LoginResult("tok"))
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(gatewaytest.Resolution("devices"), nil).Once()

	require.True(t, store.NeedsResolution())
	outcome, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, store.HasPermission("devices", "read"))
	assert.False(t, store.NeedsResolution())
}

// TestPurpose: Validates that a response for an outdated context never mutates the store.
// Scope: Unit Test
// Expected: The late role-1 payload is discarded after the role-2 payload was applied.
// Test Case ID: RES-03
func TestResolver_StaleResponseRejected(t *testing.T) {
	store, gw, _, r := setup(t)
	store.Login(*gatewaytest.LoginResult("tok"))

	entered, release := blockingCall(
		gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
			Return(gatewaytest.Resolution("role-one"), nil).Once())
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(2), int64(7)).
		Return(gatewaytest.Resolution("role-two"), nil).Once()

	type result struct {
		outcome Outcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		o, err := r.Resolve(context.Background())
		first <- result{o, err}
	}()
	<-entered

	require.NoError(t, store.SetActiveRole(2))
	outcome, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	close(release)
	late := <-first
	require.NoError(t, late.err)
	assert.Equal(t, OutcomeStale, late.outcome)

	assert.True(t, store.HasPermission("role-two", "read"))
	assert.False(t, store.HasPermission("role-one", "read"))
}

// TestPurpose: Validates that a 401 during resolution invalidates the session.
// Scope: Unit Test
// Security: Session invalidation on authentication failure
// Expected: OutcomeLoggedOut wrapping ErrAuthentication; store logged out; audit event written; no retry.
// Test Case ID: RES-04
func TestResolver_UnauthorizedLogsOut(t *testing.T) {
	for name, gerr := range map[string]error{
		"401": gatewaytest.Unauthorized(gateway.OpResolvePermissions),
		"403": gatewaytest.Forbidden(gateway.OpResolvePermissions),
	} {
		t.Run(name, func(t *testing.T) {
			store, gw, rec, r := setup(t)
			store.Login(*gatewaytest.LoginResult("tok"))
			gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).Return(nil, gerr).Once()

			outcome, err := r.Resolve(context.Background())
			assert.Equal(t, OutcomeLoggedOut, outcome)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.True(t, gateway.IsAuth(err))

			st := store.State()
			assert.False(t, st.IsAuthenticated)
			assert.Nil(t, st.User)
			assert.Empty(t, st.Permissions)
			assert.Equal(t, []string{audit.TypeSessionInvalidated}, rec.Types())
			assert.Equal(t, "sess-1", rec.Events()[0].SessionID)
		})
	}
}

// TestPurpose: Validates that an auth failure for an outdated context is discarded.
// Scope: Unit Test
// Expected: The session survives; OutcomeStale; no audit event.
// Test Case ID: RES-05
func TestResolver_StaleAuthFailureDiscarded(t *testing.T) {
	store, gw, rec, r := setup(t)
	store.Login(*gatewaytest.LoginResult("tok"))

	entered, release := blockingCall(
		gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
			Return(nil, gatewaytest.Unauthorized(gateway.OpResolvePermissions)).Once())

	done := make(chan Outcome, 1)
	go func() {
		o, _ := r.Resolve(context.Background())
		done <- o
	}()
	<-entered
	require.NoError(t, store.SetActiveRole(2))
	close(release)

	assert.Equal(t, OutcomeStale, <-done)
	assert.True(t, store.IsAuthenticated())
	assert.Empty(t, rec.Types())
}

// TestPurpose: Validates that transient failures surface without touching the session.
// Scope: Unit Test
// Expected: The error is returned unchanged; the previous permission set and authentication survive.
// Test Case ID: RES-06
func TestResolver_TransientFailureKeepsSession(t *testing.T) {
	store, gw, _, r := setup(t)
	store.Login(*gatewaytest.LoginResult("tok"))
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(gatewaytest.Resolution("devices"), nil).Once()
	_, err := r.Resolve(context.Background())
	require.NoError(t, err)

	netErr := gatewaytest.NetworkError(gateway.OpResolvePermissions)
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).Return(nil, netErr).Once()

	outcome, err := r.Resolve(context.Background())
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, errors.Is(err, netErr))
	assert.False(t, errors.Is(err, ErrAuthentication))
	assert.True(t, store.IsAuthenticated())
	assert.True(t, store.HasPermission("devices", "read"))
}

// TestPurpose: Validates the event-driven triggers after login and role change.
// Scope: Unit Test
// Expected: Watch resolves for the new role; stop waits for in-flight work and ends the subscription.
// Test Case ID: RES-07
func TestResolver_WatchResolvesOnRoleChange(t *testing.T) {
	store, gw, _, r := setup(t)
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(1), int64(7)).
		Return(gatewaytest.Resolution("role-one"), nil).Once()
	gw.On("ResolvePermissions", mock.Anything, "tok", int64(2), int64(7)).
		Return(gatewaytest.Resolution("role-two"), nil).Once()

	stop := r.Watch(context.Background())
	store.Login(*gatewaytest.LoginResult("tok"))
	assert.Eventually(t, func() bool { return store.HasPermission("role-one", "read") }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.SetActiveRole(2))
	assert.Eventually(t, func() bool { return store.HasPermission("role-two", "read") }, time.Second, 5*time.Millisecond)
	stop()

	require.NoError(t, store.SetActiveRole(1))
	gw.AssertNumberOfCalls(t, "ResolvePermissions", 2)
}
