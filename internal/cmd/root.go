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

// Package cmd implements the console command line
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "console",
		Short: "OpenTrusty multi-tenant administration console",
		Long: `console serves the OpenTrusty administration console. It holds one
session per browser, scopes it to a role and optionally a tenant, resolves
the permission set from the identity API and guards every protected route.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newTokenCommand())
	return root
}

// ExecuteContext runs the root command
func ExecuteContext(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
