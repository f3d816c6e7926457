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

//go:build integration
// +build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/store/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates snapshot persistence and TTL in Redis.
// Scope: Cache Integration Test
// Expected: Round trip succeeds, the key carries a TTL and deletion is reported once.
// Test Case ID: RDS-01
func TestSnapshotRepository(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()

	client, err := NewClient(ctx, Config{Addr: addr})
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	repo := NewSnapshotRepository(client, seal.Codec{}, time.Minute)
	id := uuid.Must(uuid.NewV7()).String()

	require.NoError(t, repo.Save(ctx, id, &session.Snapshot{Token: "redis-token", Authenticated: true, User: &session.User{ID: 1}}))

	got, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "redis-token", got.Token)

	ttl, err := client.rdb.TTL(ctx, key(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, repo.Delete(ctx, id))
	assert.ErrorIs(t, repo.Delete(ctx, id), session.ErrSnapshotNotFound)
	_, err = repo.Load(ctx, id)
	assert.ErrorIs(t, err, session.ErrSnapshotNotFound)
}
