package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that sensitive keys are correctly identified as secrets to prevent them from being logged in plaintext.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Returns true for keys containing 'password', 'token', 'secret', etc., and false for non-sensitive keys.
// Test Case ID: AUD-01
func TestAudit_IsSecret(t *testing.T) {
	tests := []struct {
		key      string
		isSecret bool
	}{
		{"password", true},
		{"Password", true},
		{"token", true},
		{"session_token", true},
		{"scoped_token", true},
		{"api_key", true},
		{"authorization", true},
		{"cookie", true},
		{"user_id", false},
		{"tenant_id", false},
		{"role_id", false},
		{"username", false},
		{"route", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.isSecret, isSecret(tt.key))
		})
	}
}

// TestPurpose: Validates the structured audit record written to slog.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Identity fields are emitted and secret metadata is redacted.
// Test Case ID: AUD-02
func TestSlogLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	NewSlogLogger().Log(context.Background(), Event{
		Type:     TypeTenantSelected,
		ActorID:  ID(7),
		TenantID: ID(10),
		RoleID:   ID(0),
		Metadata: map[string]any{"token": "eyJ...", "tenant_name": "Acme"},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "AUDIT_EVENT", rec["msg"])
	assert.Equal(t, TypeTenantSelected, rec["audit_type"])
	assert.Equal(t, "7", rec["actor_id"])
	assert.Equal(t, "10", rec["tenant_id"])
	assert.NotContains(t, rec, "role_id")

	meta, ok := rec["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", meta["token"])
	assert.Equal(t, "Acme", meta["tenant_name"])
}

// TestPurpose: Validates the in-memory recorder used by component tests.
// Scope: Unit Test
// Expected: Events are returned in order and copies are isolated.
// Test Case ID: AUD-03
func TestRecorder(t *testing.T) {
	var r Recorder
	r.Log(context.Background(), Event{Type: TypeLoginSuccess})
	r.Log(context.Background(), Event{Type: TypeLogout})

	assert.Equal(t, []string{TypeLoginSuccess, TypeLogout}, r.Types())
	events := r.Events()
	events[0].Type = "mutated"
	assert.Equal(t, TypeLoginSuccess, r.Events()[0].Type)
}
