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

// Package memory keeps session snapshots in process memory
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opentrusty/console/internal/session"
)

// SnapshotRepository implements session.SnapshotRepository in memory.
// Snapshots are stored encoded so callers never share state with it.
type SnapshotRepository struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewSnapshotRepository creates an empty repository
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{items: make(map[string][]byte)}
}

// Save stores snap under id
func (r *SnapshotRepository) Save(_ context.Context, id string, snap *session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = payload
	return nil
}

// Load retrieves the snapshot stored under id
func (r *SnapshotRepository) Load(_ context.Context, id string) (*session.Snapshot, error) {
	r.mu.RLock()
	payload, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, session.ErrSnapshotNotFound
	}

	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot stored under id
func (r *SnapshotRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return session.ErrSnapshotNotFound
	}
	delete(r.items, id)
	return nil
}

// Len returns the number of stored snapshots
func (r *SnapshotRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
