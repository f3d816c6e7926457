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

// Package session holds the authentication and authorization state of one
// console browser session and the transitions that mutate it.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrRoleNotInCatalog   = errors.New("role is not in the user's role catalog")
	ErrTenantNotInCatalog = errors.New("tenant is not in the user's tenant catalog")
	ErrScopeWithoutTenant = errors.New("tenant scope requires an active tenant")
	ErrNotAuthenticated   = errors.New("session is not authenticated")
	ErrSnapshotNotFound   = errors.New("session snapshot not found")
)

// User is the authenticated principal as reported by the identity API
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Role is an assignable role. Exactly one role is active per session.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// Tenant is a customer environment the user may scope into.
type Tenant struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Subdomain    string `json:"subdomain"`
	DatabaseName string `json:"databaseName"`
}

// Permission is the atomic authorization unit. The presence of an entry for
// a (componentKey, action) pair is the only basis for "can the user do X".
type Permission struct {
	ID           int64  `json:"id"`
	ComponentID  int64  `json:"componentId"`
	ModuleID     int64  `json:"moduleId,omitempty"`
	ComponentKey string `json:"componentKey"`
	Option       string `json:"option"`
	Action       string `json:"action"`
	Path         string `json:"path"`
	Label        string `json:"label"`
	ShowMenu     bool   `json:"showMenu"`
	Order        int    `json:"order"`
}

// Component is an addressable unit of functionality grouped under a Module.
type Component struct {
	ID           int64  `json:"id"`
	ModuleID     int64  `json:"moduleId,omitempty"`
	ComponentKey string `json:"componentKey"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Action       string `json:"action"`
	Option       string `json:"option"`
	Label        string `json:"label"`
	Icon         string `json:"icon,omitempty"`
	ShowMenu     bool   `json:"showMenu"`
	Order        int    `json:"order"`
}

// Module groups components for menu composition.
type Module struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Icon       string      `json:"icon"`
	Order      int         `json:"order"`
	ShowMenu   bool        `json:"showMenu"`
	Components []Component `json:"components"`
}

// ContextKey identifies the (user, role, tenant) context a permission set
// was resolved for. TenantID 0 is the global scope.
type ContextKey struct {
	UserID   int64
	RoleID   int64
	TenantID int64
}

// Complete reports whether the key carries both a user and a role.
func (k ContextKey) Complete() bool {
	return k.UserID != 0 && k.RoleID != 0
}

func (k ContextKey) String() string {
	return fmt.Sprintf("user=%d role=%d tenant=%d", k.UserID, k.RoleID, k.TenantID)
}

// Resolution is the payload of a permission resolution call
type Resolution struct {
	Permissions []Permission `json:"permission"`
	Modules     []Module     `json:"modules"`
	Roles       []Role       `json:"roles,omitempty"`
	Tenants     []Tenant     `json:"tenants,omitempty"`
}

// LoginResult is the payload of a successful login call
type LoginResult struct {
	Token       string       `json:"token"`
	User        User         `json:"user"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permission"`
	Modules     []Module     `json:"modules"`
	Tenants     []Tenant     `json:"tenants"`
}

// State is a point-in-time copy of the store contents.
type State struct {
	Token           string
	IsAuthenticated bool
	User            *User
	Roles           []Role
	Tenants         []Tenant
	CurrentRole     *Role
	CurrentTenant   *Tenant
	GlobalMode      bool
	Permissions     []Permission
	Modules         []Module

	// ResolvedFor is the context the current permission set belongs to,
	// nil when no resolution has been applied since the last context change.
	ResolvedFor *ContextKey
}

func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.CurrentRole != nil {
		r := *s.CurrentRole
		out.CurrentRole = &r
	}
	if s.CurrentTenant != nil {
		t := *s.CurrentTenant
		out.CurrentTenant = &t
	}
	if s.ResolvedFor != nil {
		k := *s.ResolvedFor
		out.ResolvedFor = &k
	}
	out.Roles = append([]Role(nil), s.Roles...)
	out.Tenants = append([]Tenant(nil), s.Tenants...)
	out.Permissions = append([]Permission(nil), s.Permissions...)
	out.Modules = cloneModules(s.Modules)
	return out
}

func cloneModules(in []Module) []Module {
	if in == nil {
		return nil
	}
	out := make([]Module, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Components = append([]Component(nil), m.Components...)
	}
	return out
}
