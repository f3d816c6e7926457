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

package cmd

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/console/internal/expiry"
	"github.com/spf13/cobra"
)

// TokenReport is the output of token inspect
type TokenReport struct {
	Subject          string    `json:"subject,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Expired          bool      `json:"expired"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	Algorithm        string    `json:"algorithm,omitempty"`
}

func newTokenCommand() *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Session token utilities",
	}

	token.AddCommand(&cobra.Command{
		Use:   "inspect <jwt>",
		Short: "Print the expiry of a session token without verifying it",
		Long: `Decode a session token the way the expiry monitor does. The signature is
not verified; the identity API remains the authority on validity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := inspectToken(args[0], time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	})
	return token
}

func inspectToken(raw string, now time.Time) (*TokenReport, error) {
	exp, err := expiry.DecodeExpiry(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	report := &TokenReport{ExpiresAt: exp.UTC()}
	remaining := exp.Sub(now)
	report.Expired = remaining <= 0
	if !report.Expired {
		report.RemainingSeconds = int64(math.Ceil(remaining.Seconds()))
	}

	// DecodeExpiry already accepted the token, so this parse succeeds
	if tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{}); err == nil {
		report.Algorithm = tok.Method.Alg()
		if sub, err := tok.Claims.GetSubject(); err == nil {
			report.Subject = sub
		}
	}
	return report, nil
}
