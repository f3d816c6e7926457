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

import (
	"context"
	"time"
)

// Snapshot is the persisted part of the state. Permissions and modules are
// re-derivable and never persisted.
type Snapshot struct {
	Token         string    `json:"token"`
	Authenticated bool      `json:"authenticated"`
	User          *User     `json:"user,omitempty"`
	Roles         []Role    `json:"roles,omitempty"`
	Tenants       []Tenant  `json:"tenants,omitempty"`
	CurrentRole   *Role     `json:"currentRole,omitempty"`
	CurrentTenant *Tenant   `json:"currentTenant,omitempty"`
	GlobalMode    bool      `json:"globalMode"`
	SavedAt       time.Time `json:"savedAt"`
}

// SnapshotRepository defines the interface for snapshot persistence
type SnapshotRepository interface {
	// Save stores the snapshot for a browser session, replacing any previous one
	Save(ctx context.Context, id string, snap *Snapshot) error

	// Load retrieves the snapshot for a browser session
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Delete removes the snapshot for a browser session
	Delete(ctx context.Context, id string) error
}

// Snapshot captures the persistable auth slice
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	st := s.state.clone()
	s.mu.RUnlock()

	return &Snapshot{
		Token:         st.Token,
		Authenticated: st.IsAuthenticated,
		User:          st.User,
		Roles:         st.Roles,
		Tenants:       st.Tenants,
		CurrentRole:   st.CurrentRole,
		CurrentTenant: st.CurrentTenant,
		GlobalMode:    st.GlobalMode,
		SavedAt:       time.Now().UTC(),
	}
}

// Restore replaces the state with a persisted snapshot. Active role and
// tenant are re-validated against the catalogs and the scope flag is derived
// from the tenant. The restored session always needs a fresh resolution.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil || !snap.Authenticated || snap.Token == "" || snap.User == nil {
		s.Logout()
		return
	}

	user := *snap.User
	st := State{
		Token:           snap.Token,
		IsAuthenticated: true,
		User:            &user,
		Roles:           append([]Role(nil), snap.Roles...),
		Tenants:         append([]Tenant(nil), snap.Tenants...),
	}
	if snap.CurrentRole != nil {
		if role, ok := findRole(st.Roles, snap.CurrentRole.ID); ok {
			st.CurrentRole = &role
		}
	}
	if st.CurrentRole == nil && len(st.Roles) > 0 {
		role := st.Roles[0]
		st.CurrentRole = &role
	}
	if snap.CurrentTenant != nil {
		if tenant, ok := findTenant(st.Tenants, snap.CurrentTenant.ID); ok {
			st.CurrentTenant = &tenant
		}
	}
	st.GlobalMode = st.CurrentTenant == nil

	s.mu.Lock()
	s.state = st
	s.appliedSeq = 0
	s.appliedFor = ContextKey{}
	key := s.contextLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventRestored, Context: key})
}
