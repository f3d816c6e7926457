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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/store/seal"
)

// SnapshotRepository implements session.SnapshotRepository
type SnapshotRepository struct {
	db    *DB
	codec seal.Codec
	ttl   time.Duration
}

// NewSnapshotRepository creates a new snapshot repository. Rows older than
// ttl are treated as missing and removed by PurgeExpired.
func NewSnapshotRepository(db *DB, codec seal.Codec, ttl time.Duration) *SnapshotRepository {
	return &SnapshotRepository{db: db, codec: codec, ttl: ttl}
}

// Save stores or replaces the snapshot for id
func (r *SnapshotRepository) Save(ctx context.Context, id string, snap *session.Snapshot) error {
	payload, err := r.codec.Encode(id, snap)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO console_snapshots (id, payload, sealed, saved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload, sealed = EXCLUDED.sealed,
		    saved_at = EXCLUDED.saved_at, expires_at = EXCLUDED.expires_at
	`, id, payload, r.codec.Sealed(), now, now.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// Load retrieves the snapshot for id
func (r *SnapshotRepository) Load(ctx context.Context, id string) (*session.Snapshot, error) {
	var payload []byte
	var sealed bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT payload, sealed
		FROM console_snapshots
		WHERE id = $1 AND expires_at > NOW()
	`, id).Scan(&payload, &sealed)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	// A key rotation from plain to sealed, or the reverse, invalidates stored rows
	if sealed != r.codec.Sealed() {
		return nil, session.ErrSnapshotNotFound
	}

	return r.codec.Decode(id, payload)
}

// Delete removes the snapshot for id
func (r *SnapshotRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM console_snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	if result.RowsAffected() == 0 {
		return session.ErrSnapshotNotFound
	}

	return nil
}

// PurgeExpired removes rows past their expiry and returns how many were removed
func (r *SnapshotRepository) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM console_snapshots WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return result.RowsAffected(), nil
}
