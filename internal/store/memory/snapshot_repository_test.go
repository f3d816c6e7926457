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

package memory

import (
	"context"
	"testing"

	"github.com/opentrusty/console/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates save, load and delete of session snapshots.
// Scope: Unit Test
// Expected: Loaded snapshots equal saved ones and are isolated copies; missing ids yield ErrSnapshotNotFound.
// Test Case ID: MEM-01
func TestSnapshotRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepository()

	_, err := repo.Load(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSnapshotNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "missing"), session.ErrSnapshotNotFound)

	tenant := session.Tenant{ID: 10, Name: "Acme"}
	snap := &session.Snapshot{
		Token:         "tok",
		Authenticated: true,
		User:          &session.User{ID: 7, Username: "alice"},
		Tenants:       []session.Tenant{tenant},
		CurrentTenant: &tenant,
	}
	require.NoError(t, repo.Save(ctx, "a", snap))
	snap.Token = "mutated"

	got, err := repo.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, int64(10), got.CurrentTenant.ID)
	assert.Equal(t, 1, repo.Len())

	require.NoError(t, repo.Delete(ctx, "a"))
	assert.Equal(t, 0, repo.Len())
}
