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

package session

import (
	"sort"
	"strings"
)

// The queries below answer from the permission set only while it belongs to
// the current context: between a role or tenant change and the matching
// resolution they deny everything.

// HasPermission reports whether the active permission set contains an entry
// for componentKey and action.
func (s *Store) HasPermission(componentKey, action string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.IsAuthenticated || !s.resolvedLocked(s.contextLocked()) {
		return false
	}
	for _, p := range s.state.Permissions {
		if p.ComponentKey == componentKey && p.Action == action {
			return true
		}
	}
	return false
}

// AllowsPath reports whether some permission covers the route path. A
// permission path covers itself and every path below it.
func (s *Store) AllowsPath(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.IsAuthenticated || !s.resolvedLocked(s.contextLocked()) {
		return false
	}
	path = normalizePath(path)
	for _, p := range s.state.Permissions {
		if p.Path == "" {
			continue
		}
		base := normalizePath(p.Path)
		if path == base {
			return true
		}
		if base != "/" && strings.HasPrefix(path, base+"/") {
			return true
		}
	}
	return false
}

// Permissions returns a copy of the active permission set
func (s *Store) Permissions() []Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.IsAuthenticated || !s.resolvedLocked(s.contextLocked()) {
		return nil
	}
	return append([]Permission(nil), s.state.Permissions...)
}

// Menu returns the navigation tree: menu-visible modules ordered by Order,
// each holding its menu-visible components ordered by Order. Modules left
// without components are dropped.
func (s *Store) Menu() []Module {
	s.mu.RLock()
	if !s.state.IsAuthenticated || !s.resolvedLocked(s.contextLocked()) {
		s.mu.RUnlock()
		return nil
	}
	modules := cloneModules(s.state.Modules)
	s.mu.RUnlock()

	menu := make([]Module, 0, len(modules))
	for _, m := range modules {
		if !m.ShowMenu {
			continue
		}
		visible := m.Components[:0]
		for _, c := range m.Components {
			if c.ShowMenu {
				visible = append(visible, c)
			}
		}
		if len(visible) == 0 {
			continue
		}
		sort.SliceStable(visible, func(i, j int) bool { return visible[i].Order < visible[j].Order })
		m.Components = visible
		menu = append(menu, m)
	}
	sort.SliceStable(menu, func(i, j int) bool { return menu[i].Order < menu[j].Order })
	return menu
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
