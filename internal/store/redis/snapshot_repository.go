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

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/store/seal"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces snapshot keys
const KeyPrefix = "console:snapshot:"

// SnapshotRepository implements session.SnapshotRepository.
// Each save refreshes the key TTL.
type SnapshotRepository struct {
	client *Client
	codec  seal.Codec
	ttl    time.Duration
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(client *Client, codec seal.Codec, ttl time.Duration) *SnapshotRepository {
	return &SnapshotRepository{client: client, codec: codec, ttl: ttl}
}

func key(id string) string {
	return KeyPrefix + id
}

// Save stores or replaces the snapshot for id
func (r *SnapshotRepository) Save(ctx context.Context, id string, snap *session.Snapshot) error {
	payload, err := r.codec.Encode(id, snap)
	if err != nil {
		return err
	}
	if err := r.client.rdb.Set(ctx, key(id), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for id
func (r *SnapshotRepository) Load(ctx context.Context, id string) (*session.Snapshot, error) {
	payload, err := r.client.rdb.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return r.codec.Decode(id, payload)
}

// Delete removes the snapshot for id
func (r *SnapshotRepository) Delete(ctx context.Context, id string) error {
	n, err := r.client.rdb.Del(ctx, key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n == 0 {
		return session.ErrSnapshotNotFound
	}
	return nil
}
