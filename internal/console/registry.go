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

package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentrusty/console/internal/expiry"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/session"
	"golang.org/x/sync/singleflight"
)

// Domain errors
var (
	ErrInvalidSessionID = errors.New("invalid browser session id")
	ErrRegistryClosed   = errors.New("registry closed")
)

const defaultSnapshotTimeout = 5 * time.Second

// RegistryConfig holds registry configuration
type RegistryConfig struct {
	Engine Config
	// IdleTimeout evicts engines not used for this long. Their snapshot
	// stays in the repository and is restored on the next request.
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	SnapshotTimeout time.Duration
}

type entry struct {
	engine      *Engine
	lastSeen    time.Time
	unsubscribe func()
}

// Registry maps browser session ids to engines
type Registry struct {
	gw    gateway.Gateway
	repo  session.SnapshotRepository
	cfg   RegistryConfig
	opts  []Option
	o     options
	loads singleflight.Group

	mu      sync.Mutex
	engines map[string]*entry
	closed  bool
}

// NewRegistry creates a registry persisting snapshots to repo
func NewRegistry(gw gateway.Gateway, repo session.SnapshotRepository, cfg RegistryConfig, opts ...Option) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = expiry.TickInterval
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	return &Registry{
		gw:      gw,
		repo:    repo,
		cfg:     cfg,
		opts:    opts,
		o:       buildOptions(opts),
		engines: make(map[string]*entry),
	}
}

// Create starts a new browser session with a fresh id
func (r *Registry) Create(ctx context.Context) (*Engine, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return r.register(ctx, id.String(), nil)
}

// Get returns the engine of id, restoring it from its snapshot when it is
// not held in memory. It returns session.ErrSnapshotNotFound for unknown ids.
func (r *Registry) Get(ctx context.Context, id string) (*Engine, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidSessionID
	}
	if e, ok := r.lookup(id); ok {
		return e, nil
	}

	v, err, _ := r.loads.Do(id, func() (any, error) {
		if e, ok := r.lookup(id); ok {
			return e, nil
		}
		snap, err := r.repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		return r.register(ctx, id, snap)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// Remove drops the engine of id and deletes its snapshot
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	ent, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()

	if ok {
		r.release(ctx, ent)
	}
	if err := r.repo.Delete(ctx, id); err != nil && !errors.Is(err, session.ErrSnapshotNotFound) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Len returns the number of engines held in memory
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Run drives every expiry monitor and evicts idle engines until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, r.o.now())
		}
	}
}

// Sweep performs one monitor tick for every engine and evicts idle ones
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	r.mu.Lock()
	live := make([]*Engine, 0, len(r.engines))
	var idle []*entry
	for id, ent := range r.engines {
		if r.cfg.IdleTimeout > 0 && now.Sub(ent.lastSeen) >= r.cfg.IdleTimeout {
			idle = append(idle, ent)
			delete(r.engines, id)
			continue
		}
		live = append(live, ent.engine)
	}
	r.mu.Unlock()

	for _, e := range live {
		e.Tick(ctx, now)
	}
	for _, ent := range idle {
		slog.DebugContext(ctx, "evicting idle session",
			logger.Component("console"),
			logger.SessionID(ent.engine.ID()),
		)
		r.release(ctx, ent)
	}
}

// Close releases every engine. Snapshots are kept.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.engines))
	for _, ent := range r.engines {
		entries = append(entries, ent)
	}
	r.engines = make(map[string]*entry)
	r.mu.Unlock()

	for _, ent := range entries {
		r.release(ctx, ent)
	}
}

func (r *Registry) lookup(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.engines[id]
	if !ok {
		return nil, false
	}
	ent.lastSeen = r.o.now()
	return ent.engine, true
}

func (r *Registry) register(ctx context.Context, id string, snap *session.Snapshot) (*Engine, error) {
	e := NewEngine(id, r.gw, r.cfg.Engine, r.opts...)
	if snap != nil {
		e.Store().Restore(snap)
	}
	e.Start(ctx)
	unsubscribe := e.Store().Subscribe(r.persister(id, e.Store()))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsubscribe()
		e.Close()
		return nil, ErrRegistryClosed
	}
	r.engines[id] = &entry{engine: e, lastSeen: r.o.now(), unsubscribe: unsubscribe}
	r.mu.Unlock()

	r.o.metrics.SessionOpened(ctx)
	return e, nil
}

func (r *Registry) release(ctx context.Context, ent *entry) {
	ent.unsubscribe()
	ent.engine.Close()
	r.o.metrics.SessionClosed(ctx)
}

// persister keeps the repository in step with the store's auth slice
func (r *Registry) persister(id string, store *session.Store) session.Listener {
	return func(ev session.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SnapshotTimeout)
		defer cancel()

		var err error
		switch ev.Type {
		case session.EventLoggedOut:
			err = r.repo.Delete(ctx, id)
			if errors.Is(err, session.ErrSnapshotNotFound) {
				err = nil
			}
		case session.EventLoggedIn, session.EventRoleChanged, session.EventTenantChanged, session.EventTokenChanged:
			err = r.repo.Save(ctx, id, store.Snapshot())
		default:
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to persist session snapshot",
				logger.Component("console"),
				logger.SessionID(id),
				logger.Operation(string(ev.Type)),
				logger.Error(err),
			)
		}
	}
}
