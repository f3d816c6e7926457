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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/session"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 4 << 10

// HTTPConfig holds identity API client configuration
type HTTPConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // client-side throttle, <= 0 disables it
	Burst             int
	Transport         http.RoundTripper // nil uses http.DefaultTransport
}

// HTTPClient implements Gateway over the identity API's JSON endpoints
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a new identity API client
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity API base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity API base URL: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: base,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "identity_api " + r.Method + " " + r.URL.Path
				}),
			),
		},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tenantRequest struct {
	TenantID int64 `json:"tenantId"`
}

// Login authenticates with username and password
func (c *HTTPClient) Login(ctx context.Context, username, password string) (*session.LoginResult, error) {
	var out session.LoginResult
	err := c.do(ctx, OpLogin, http.MethodPost, "/auth/login", "", nil,
		loginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &Error{Op: OpLogin, Kind: KindUnknown, Message: "login response carries no token"}
	}
	return &out, nil
}

// CheckSession verifies the token against the identity API
func (c *HTTPClient) CheckSession(ctx context.Context, token string) (*SessionInfo, error) {
	var out SessionInfo
	if err := c.do(ctx, OpCheckSession, http.MethodGet, "/auth/session", token, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolvePermissions fetches the permission set for a role and user
func (c *HTTPClient) ResolvePermissions(ctx context.Context, token string, roleID, userID int64) (*session.Resolution, error) {
	q := url.Values{}
	q.Set("roleId", strconv.FormatInt(roleID, 10))
	q.Set("userId", strconv.FormatInt(userID, 10))

	var out session.Resolution
	if err := c.do(ctx, OpResolvePermissions, http.MethodGet, "/auth/permissions", token, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SelectTenant enters tenant scope
func (c *HTTPClient) SelectTenant(ctx context.Context, token string, tenantID int64) (*TenantAck, error) {
	var out TenantAck
	if err := c.do(ctx, OpSelectTenant, http.MethodPost, "/tenants/select", token, nil,
		tenantRequest{TenantID: tenantID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchTenant moves to another tenant scope, or to global when tenantID is 0
func (c *HTTPClient) SwitchTenant(ctx context.Context, token string, tenantID int64) (*TenantAck, error) {
	var out TenantAck
	if err := c.do(ctx, OpSwitchTenant, http.MethodPost, "/tenants/switch", token, nil,
		tenantRequest{TenantID: tenantID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExitTenant leaves tenant scope
func (c *HTTPClient) ExitTenant(ctx context.Context, token string) (*TenantAck, error) {
	var out TenantAck
	if err := c.do(ctx, OpExitTenant, http.MethodPost, "/tenants/exit", token, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the server-side session
func (c *HTTPClient) Logout(ctx context.Context, token string) error {
	return c.do(ctx, OpLogout, http.MethodPost, "/auth/logout", token, nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, token string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Kind: KindNetwork, Err: err}
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: KindUnknown, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &Error{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "identity api unreachable",
			logger.Component("gateway"), logger.Operation(op), logger.Error(err))
		return &Error{Op: op, Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	slog.DebugContext(ctx, "identity api call",
		logger.Component("gateway"),
		logger.Operation(op),
		logger.StatusCode(resp.StatusCode),
		logger.Duration(time.Since(start).Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Op:      op,
			Kind:    KindFromStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: readErrorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return &Error{Op: op, Kind: KindUnknown, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
