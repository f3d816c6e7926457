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

// Package tenant moves a session between global scope and a tenant scope.
package tenant

import (
	"errors"
	"time"
)

// Mode is the scope a session operates in
type Mode string

// Mode constants
const (
	ModeGlobal       Mode = "global"
	ModeTenantScoped Mode = "tenant_scoped"
)

// Domain errors
var (
	ErrNotGlobal            = errors.New("tenant selection requires global scope")
	ErrNotTenantScoped      = errors.New("operation requires tenant scope")
	ErrSameTenant           = errors.New("session is already scoped to this tenant")
	ErrTransitionInProgress = errors.New("tenant transition already in progress")
)

// Pending describes a transition awaiting the gateway's acknowledgment
type Pending struct {
	Op       string    `json:"op"`
	TenantID int64     `json:"tenantId,omitempty"`
	Since    time.Time `json:"since"`
}
