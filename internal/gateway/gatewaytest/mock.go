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

// Package gatewaytest provides a testify mock of gateway.Gateway.
package gatewaytest

import (
	"context"
	"net/http"

	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/session"
	"github.com/stretchr/testify/mock"
)

// Gateway implements gateway.Gateway for testing
type Gateway struct {
	mock.Mock
}

var _ gateway.Gateway = (*Gateway)(nil)

func (m *Gateway) Login(ctx context.Context, username, password string) (*session.LoginResult, error) {
	args := m.Called(ctx, username, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.LoginResult), args.Error(1)
}

func (m *Gateway) CheckSession(ctx context.Context, token string) (*gateway.SessionInfo, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.SessionInfo), args.Error(1)
}

func (m *Gateway) ResolvePermissions(ctx context.Context, token string, roleID, userID int64) (*session.Resolution, error) {
	args := m.Called(ctx, token, roleID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Resolution), args.Error(1)
}

func (m *Gateway) SelectTenant(ctx context.Context, token string, tenantID int64) (*gateway.TenantAck, error) {
	args := m.Called(ctx, token, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TenantAck), args.Error(1)
}

func (m *Gateway) SwitchTenant(ctx context.Context, token string, tenantID int64) (*gateway.TenantAck, error) {
	args := m.Called(ctx, token, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TenantAck), args.Error(1)
}

func (m *Gateway) ExitTenant(ctx context.Context, token string) (*gateway.TenantAck, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TenantAck), args.Error(1)
}

func (m *Gateway) Logout(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// Unauthorized is the error of a 401 response to op
func Unauthorized(op string) error {
	return &gateway.Error{Op: op, Kind: gateway.KindUnauthorized, Status: http.StatusUnauthorized, Message: "token expired"}
}

// Forbidden is the error of a 403 response to op
func Forbidden(op string) error {
	return &gateway.Error{Op: op, Kind: gateway.KindForbidden, Status: http.StatusForbidden, Message: "forbidden"}
}

// ServerError is the error of a 500 response to op
func ServerError(op string) error {
	return &gateway.Error{Op: op, Kind: gateway.KindUnknown, Status: http.StatusInternalServerError, Message: "internal error"}
}

// NetworkError is a connectivity failure of op
func NetworkError(op string) error {
	return &gateway.Error{Op: op, Kind: gateway.KindNetwork, Message: "connection refused"}
}

// LoginResult is a login payload for user 7 with roles 1 and 2 and
// tenants 10 (Acme) and 20 (Globex).
func LoginResult(token string) *session.LoginResult {
	return &session.LoginResult{
		Token: token,
		User:  session.User{ID: 7, Name: "Alice", Username: "alice", Email: "alice@example.com", IsActive: true},
		Roles: []session.Role{
			{ID: 1, Name: "admin", Active: true},
			{ID: 2, Name: "operator", Active: true},
		},
		Tenants: []session.Tenant{
			{ID: 10, Name: "Acme", Subdomain: "acme", DatabaseName: "acme_db"},
			{ID: 20, Name: "Globex", Subdomain: "globex", DatabaseName: "globex_db"},
		},
	}
}

// Resolution is a permission payload tagged with componentKey so tests can
// tell which request produced it.
func Resolution(componentKey string) *session.Resolution {
	return &session.Resolution{
		Permissions: []session.Permission{
			{ID: 1, ComponentKey: componentKey, Action: "read", Path: "/" + componentKey, ShowMenu: true},
		},
		Modules: []session.Module{{
			ID: 1, Name: "Main", ShowMenu: true,
			Components: []session.Component{{ID: 1, ComponentKey: componentKey, Path: "/" + componentKey, ShowMenu: true}},
		}},
	}
}
