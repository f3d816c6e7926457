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

package http

import (
	"context"

	"github.com/opentrusty/console/internal/console"
)

type contextKey string

const (
	engineKey    contextKey = "console_engine"
	sessionIDKey contextKey = "session_id"
)

func withEngine(ctx context.Context, e *console.Engine) context.Context {
	ctx = context.WithValue(ctx, engineKey, e)
	return context.WithValue(ctx, sessionIDKey, e.ID())
}

// GetEngine retrieves the engine of the browser session from context.
func GetEngine(ctx context.Context) *console.Engine {
	if val, ok := ctx.Value(engineKey).(*console.Engine); ok {
		return val
	}
	return nil
}

// GetSessionID retrieves the browser session ID from context.
func GetSessionID(ctx context.Context) string {
	if val, ok := ctx.Value(sessionIDKey).(string); ok {
		return val
	}
	return ""
}
