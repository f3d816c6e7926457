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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates environment defaults for a local console.
// Scope: Unit Test
// Expected: Load succeeds with the memory backend and documented defaults.
// Test Case ID: CFG-01
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SNAPSHOT_BACKEND", "")
	t.Setenv("SESSION_WARNING_WINDOW", "")
	t.Setenv("IDENTITY_API_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Snapshot.Backend)
	assert.Equal(t, 60*time.Second, cfg.Session.WarningWindow)
	assert.Equal(t, "console_session", cfg.Session.CookieName)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

// TestPurpose: Validates environment overrides and malformed value fallback.
// Scope: Unit Test
// Expected: Valid values override defaults; unparsable durations fall back.
// Test Case ID: CFG-02
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SNAPSHOT_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SESSION_RECHECK_AFTER", "5m")
	t.Setenv("SESSION_LIFETIME", "not-a-duration")
	t.Setenv("RATELIMIT_RPS", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Snapshot.Backend)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 5*time.Minute, cfg.Session.RecheckAfter)
	assert.Equal(t, 24*time.Hour, cfg.Session.Lifetime)
	assert.InDelta(t, 0.5, cfg.RateLimit.RequestsPerSecond, 0.0001)
}

// TestPurpose: Validates configuration rejection rules.
// Scope: Unit Test
// Security: Cookie hardening (SameSite=None requires Secure)
// Expected: Each invalid setting produces an error.
// Test Case ID: CFG-03
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Upstream:  UpstreamConfig{BaseURL: "https://id.example.com/api"},
			Session:   SessionConfig{CookieSameSite: "Lax", Lifetime: time.Hour, WarningWindow: time.Minute},
			Snapshot:  SnapshotConfig{Backend: BackendMemory},
			RateLimit: RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative upstream", func(c *Config) { c.Upstream.BaseURL = "/api" }},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "etcd" }},
		{"postgres without password", func(c *Config) { c.Snapshot.Backend = BackendPostgres }},
		{"redis without addr", func(c *Config) { c.Snapshot.Backend = BackendRedis }},
		{"bad samesite", func(c *Config) { c.Session.CookieSameSite = "sometimes" }},
		{"insecure none", func(c *Config) { c.Session.CookieSameSite = "None" }},
		{"zero lifetime", func(c *Config) { c.Session.Lifetime = 0 }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
