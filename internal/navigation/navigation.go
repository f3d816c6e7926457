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

// Package navigation describes where the client should go next. Components
// return a Navigation instead of navigating themselves.
package navigation

// Well-known client routes
const (
	RootPath  = "/"
	LoginPath = "/login"
)

// Navigation is a navigation directive. The zero value means "stay".
type Navigation struct {
	To string `json:"to,omitempty"`
	// Replace drops the current history entry so the user cannot navigate
	// back into the page being left.
	Replace bool `json:"replace,omitempty"`
}

// None reports whether n asks for no navigation
func (n Navigation) None() bool {
	return n.To == ""
}

// Root navigates to the application root, replacing history
func Root() Navigation {
	return Navigation{To: RootPath, Replace: true}
}

// Login navigates to the login entry point, replacing history
func Login() Navigation {
	return Navigation{To: LoginPath, Replace: true}
}
