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

// EventType names a store transition observable by subscribers
type EventType string

const (
	EventLoggedIn            EventType = "logged_in"
	EventLoggedOut           EventType = "logged_out"
	EventRoleChanged         EventType = "role_changed"
	EventTenantChanged       EventType = "tenant_changed"
	EventPermissionsReplaced EventType = "permissions_replaced"
	EventTokenChanged        EventType = "token_changed"
	EventRestored            EventType = "restored"
)

// Event is delivered to listeners after a transition has been committed.
type Event struct {
	Type    EventType
	Context ContextKey
}

// Listener receives store events. Listeners run on the goroutine that
// performed the transition, after the store lock has been released.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Subscribe registers fn for every future event and returns a function
// that removes the registration.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// emit must be called without holding s.mu.
func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	subs := append([]subscription(nil), s.subs...)
	s.mu.RUnlock()

	for _, ev := range events {
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}
