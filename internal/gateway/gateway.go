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

// Package gateway is the boundary to the remote identity and permission
// service. Every failure crossing it is an *Error with a closed Kind.
package gateway

import (
	"context"

	"github.com/opentrusty/console/internal/session"
)

// Operation names used in errors, logs and spans
const (
	OpLogin              = "login"
	OpCheckSession       = "check_session"
	OpResolvePermissions = "resolve_permissions"
	OpSelectTenant       = "select_tenant"
	OpSwitchTenant       = "switch_tenant"
	OpExitTenant         = "exit_tenant"
	OpLogout             = "logout"
)

// SessionInfo is the payload of a session check
type SessionInfo struct {
	User        session.User         `json:"user"`
	Roles       []session.Role       `json:"roles"`
	Permissions []session.Permission `json:"permission"`
	Modules     []session.Module     `json:"modules"`
	Tenants     []session.Tenant     `json:"tenants"`
}

// TenantAck acknowledges a tenant scope transition. The remote side may
// issue a different short-lived token for the new scope.
type TenantAck struct {
	Token string `json:"token,omitempty"`
}

// Gateway is the remote session API consumed by the engine. The scope of
// ResolvePermissions is inferred by the server from the token.
type Gateway interface {
	// Login authenticates with username and password
	Login(ctx context.Context, username, password string) (*session.LoginResult, error)

	// CheckSession verifies the token and returns the session it belongs to
	CheckSession(ctx context.Context, token string) (*SessionInfo, error)

	// ResolvePermissions returns the permission set of (roleID, userID)
	// under the tenant scope carried by token
	ResolvePermissions(ctx context.Context, token string, roleID, userID int64) (*session.Resolution, error)

	// SelectTenant enters tenant scope from global scope
	SelectTenant(ctx context.Context, token string, tenantID int64) (*TenantAck, error)

	// SwitchTenant moves between tenant scopes; tenantID 0 returns to global
	SwitchTenant(ctx context.Context, token string, tenantID int64) (*TenantAck, error)

	// ExitTenant returns to global scope
	ExitTenant(ctx context.Context, token string) (*TenantAck, error)

	// Logout invalidates the server-side session
	Logout(ctx context.Context, token string) error
}
