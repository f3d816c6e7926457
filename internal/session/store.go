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

package session

import "sync"

// Store is the single source of truth for one browser session's
// authentication and authorization state. All mutation goes through the
// transition methods; none of them perform I/O.
//
// Invariants held after every transition:
//   - GlobalMode == (CurrentTenant == nil)
//   - Permissions and Modules are empty unless IsAuthenticated
type Store struct {
	mu    sync.RWMutex
	state State

	// last applied resolution sequence and the context it was applied for
	appliedSeq uint64
	appliedFor ContextKey

	subs      []subscription
	nextSubID uint64
}

// NewStore creates an unauthenticated store in global scope
func NewStore() *Store {
	return &Store{state: State{GlobalMode: true}}
}

// Login records a successful login. The first role becomes active and the
// session starts in global scope with no resolved permission set.
func (s *Store) Login(res LoginResult) {
	user := res.User

	s.mu.Lock()
	st := State{
		Token:           res.Token,
		IsAuthenticated: true,
		User:            &user,
		Roles:           append([]Role(nil), res.Roles...),
		Tenants:         append([]Tenant(nil), res.Tenants...),
		GlobalMode:      true,
	}
	if len(st.Roles) > 0 {
		role := st.Roles[0]
		st.CurrentRole = &role
	}
	s.state = st
	s.appliedSeq = 0
	s.appliedFor = ContextKey{}
	key := s.contextLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventLoggedIn, Context: key})
}

// Logout clears every identity and permission field. It is safe to call
// from any state and calling it repeatedly has no further effect.
func (s *Store) Logout() {
	s.mu.Lock()
	changed := !s.state.empty()
	s.state = State{GlobalMode: true}
	s.appliedSeq = 0
	s.appliedFor = ContextKey{}
	s.mu.Unlock()

	if changed {
		s.emit(Event{Type: EventLoggedOut})
	}
}

// InvalidateIf logs out only if key and token still describe the current
// session. It reports whether the logout happened.
func (s *Store) InvalidateIf(key ContextKey, token string) bool {
	s.mu.Lock()
	if !s.state.IsAuthenticated || s.contextLocked() != key || s.state.Token != token {
		s.mu.Unlock()
		return false
	}
	s.state = State{GlobalMode: true}
	s.appliedSeq = 0
	s.appliedFor = ContextKey{}
	s.mu.Unlock()

	s.emit(Event{Type: EventLoggedOut})
	return true
}

// SetActiveRole makes the catalog role with roleID the active role. It does
// not fetch permissions; subscribers to EventRoleChanged do that.
func (s *Store) SetActiveRole(roleID int64) error {
	s.mu.Lock()
	if !s.state.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	role, ok := findRole(s.state.Roles, roleID)
	if !ok {
		s.mu.Unlock()
		return ErrRoleNotInCatalog
	}
	if s.state.CurrentRole != nil && s.state.CurrentRole.ID == roleID {
		s.mu.Unlock()
		return nil
	}
	s.state.CurrentRole = &role
	key := s.contextLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventRoleChanged, Context: key})
	return nil
}

// SetActiveTenant replaces the active tenant. The scope flag is updated in
// the same transition: nil means global scope.
func (s *Store) SetActiveTenant(t *Tenant) error {
	return s.ApplyTenantScope(t, "")
}

// SetScope sets the scope flag. Entering global scope clears the active
// tenant; leaving it requires a tenant to already be active.
func (s *Store) SetScope(global bool) error {
	if global {
		return s.ApplyTenantScope(nil, "")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.IsAuthenticated {
		return ErrNotAuthenticated
	}
	if s.state.CurrentTenant == nil {
		return ErrScopeWithoutTenant
	}
	return nil
}

// ApplyTenantScope atomically sets the active tenant, the scope flag and,
// when token is non-empty, a re-issued session token.
func (s *Store) ApplyTenantScope(t *Tenant, token string) error {
	s.mu.Lock()
	if !s.state.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}

	var next *Tenant
	if t != nil {
		tenant, ok := findTenant(s.state.Tenants, t.ID)
		if !ok {
			s.mu.Unlock()
			return ErrTenantNotInCatalog
		}
		next = &tenant
	}

	var events []Event
	if !sameTenant(s.state.CurrentTenant, next) {
		s.state.CurrentTenant = next
		s.state.GlobalMode = next == nil
		events = append(events, Event{Type: EventTenantChanged})
	}
	if token != "" && token != s.state.Token {
		s.state.Token = token
		events = append(events, Event{Type: EventTokenChanged})
	}
	key := s.contextLocked()
	s.mu.Unlock()

	for i := range events {
		events[i].Context = key
	}
	s.emit(events...)
	return nil
}

// SetToken replaces the session token of an authenticated session.
func (s *Store) SetToken(token string) error {
	s.mu.Lock()
	if !s.state.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if token == s.state.Token {
		s.mu.Unlock()
		return nil
	}
	s.state.Token = token
	key := s.contextLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventTokenChanged, Context: key})
	return nil
}

// ReplacePermissions replaces the permission set wholesale. The payload is
// applied only if the store is authenticated, its current context equals
// key, and seq is not older than the last sequence applied for that context.
// Catalogs are replaced only when the payload carries them.
func (s *Store) ReplacePermissions(key ContextKey, seq uint64, res Resolution) bool {
	s.mu.Lock()
	if !s.state.IsAuthenticated || s.contextLocked() != key {
		s.mu.Unlock()
		return false
	}
	if s.appliedFor == key && seq < s.appliedSeq {
		s.mu.Unlock()
		return false
	}

	s.state.Permissions = append([]Permission(nil), res.Permissions...)
	s.state.Modules = cloneModules(res.Modules)
	if res.Roles != nil {
		s.state.Roles = append([]Role(nil), res.Roles...)
		if s.state.CurrentRole != nil {
			if role, ok := findRole(s.state.Roles, s.state.CurrentRole.ID); ok {
				s.state.CurrentRole = &role
			}
		}
	}
	if res.Tenants != nil {
		s.state.Tenants = append([]Tenant(nil), res.Tenants...)
		if s.state.CurrentTenant != nil {
			if tenant, ok := findTenant(s.state.Tenants, s.state.CurrentTenant.ID); ok {
				s.state.CurrentTenant = &tenant
			}
		}
	}
	resolved := key
	s.state.ResolvedFor = &resolved
	s.appliedSeq = seq
	s.appliedFor = key
	s.mu.Unlock()

	s.emit(Event{Type: EventPermissionsReplaced, Context: key})
	return true
}

// State returns a deep copy of the current state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Context returns the current (user, role, tenant) context
func (s *Store) Context() ContextKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextLocked()
}

// Current returns the context and token in one read. ok is false when the
// store is not authenticated.
func (s *Store) Current() (key ContextKey, token string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextLocked(), s.state.Token, s.state.IsAuthenticated && s.state.User != nil
}

// Token returns the current session token, empty when logged out
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

// IsAuthenticated reports whether a login has been recorded
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAuthenticated && s.state.User != nil
}

// GlobalMode reports whether the session operates without a tenant
func (s *Store) GlobalMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GlobalMode
}

// CurrentRole returns a copy of the active role, or nil
func (s *Store) CurrentRole() *Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.CurrentRole == nil {
		return nil
	}
	r := *s.state.CurrentRole
	return &r
}

// CurrentTenant returns a copy of the active tenant, or nil in global scope
func (s *Store) CurrentTenant() *Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.CurrentTenant == nil {
		return nil
	}
	t := *s.state.CurrentTenant
	return &t
}

// Tenant looks up a tenant in the catalog
func (s *Store) Tenant(id int64) (Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTenant(s.state.Tenants, id)
}

// NeedsResolution reports whether the session is authenticated with a
// complete context whose permission set has not been resolved yet.
func (s *Store) NeedsResolution() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.contextLocked()
	return s.state.IsAuthenticated && key.Complete() && !s.resolvedLocked(key)
}

// Resolved reports whether the permission set belongs to the current context.
func (s *Store) Resolved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAuthenticated && s.resolvedLocked(s.contextLocked())
}

func (s *Store) resolvedLocked(key ContextKey) bool {
	return s.state.ResolvedFor != nil && *s.state.ResolvedFor == key
}

func (s *Store) contextLocked() ContextKey {
	var key ContextKey
	if s.state.User != nil {
		key.UserID = s.state.User.ID
	}
	if s.state.CurrentRole != nil {
		key.RoleID = s.state.CurrentRole.ID
	}
	if s.state.CurrentTenant != nil {
		key.TenantID = s.state.CurrentTenant.ID
	}
	return key
}

func (st State) empty() bool {
	return st.Token == "" && !st.IsAuthenticated && st.User == nil &&
		len(st.Roles) == 0 && len(st.Tenants) == 0 &&
		st.CurrentRole == nil && st.CurrentTenant == nil && st.GlobalMode &&
		len(st.Permissions) == 0 && len(st.Modules) == 0 && st.ResolvedFor == nil
}

func findRole(roles []Role, id int64) (Role, bool) {
	for _, r := range roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

func findTenant(tenants []Tenant, id int64) (Tenant, bool) {
	for _, t := range tenants {
		if t.ID == id {
			return t, true
		}
	}
	return Tenant{}, false
}

func sameTenant(a, b *Tenant) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
