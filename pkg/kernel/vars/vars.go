// Package vars implements the layered variable store: a per-run profile
// scope, the process-wide shared scope and on-demand built-ins.
package vars

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Scope selects where set_var writes.
type Scope string

const (
	ScopeProfile Scope = "profile"
	ScopeShared  Scope = "shared"
	ScopeBoth    Scope = "both"
)

// ParseScope normalizes a scope name. Empty means profile. It accepts the
// same names as scenario loading.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "profile":
		return ScopeProfile, nil
	case "shared":
		return ScopeShared, nil
	case "both":
		return ScopeBoth, nil
	default:
		return "", fmt.Errorf("unknown variable scope %q", s)
	}
}

// Built-in variable names.
const (
	BuiltinCookies   = "cookies"
	BuiltinTimestamp = "timestamp"
)

// Store is the variable view of one run. Nested runs share the same Store.
// Lookup order is profile, then shared, then built-in.
type Store struct {
	mu       sync.RWMutex
	profile  map[string]string
	builtins map[string]string
	shared   *Shared
}

// NewStore seeds a store from profile values. A nil shared scope is replaced
// by an in-memory one.
func NewStore(profile map[string]string, shared *Shared) *Store {
	if shared == nil {
		shared = NewShared(nil)
	}
	p := make(map[string]string, len(profile))
	maps.Copy(p, profile)
	return &Store{
		profile:  p,
		builtins: map[string]string{BuiltinCookies: "[]", BuiltinTimestamp: ""},
		shared:   shared,
	}
}

// Get implements eval.Scope.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	if v, ok := s.profile[name]; ok {
		s.mu.RUnlock()
		return v, true
	}
	s.mu.RUnlock()

	if v, ok := s.shared.Get(name); ok {
		return v, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.builtins[name]
	return v, ok
}

// Set writes name according to scope. Shared writes are persisted before Set
// returns.
func (s *Store) Set(ctx context.Context, scope Scope, name, value string) error {
	switch scope {
	case ScopeShared:
		return s.shared.Set(ctx, name, value)
	case ScopeBoth:
		if err := s.shared.Set(ctx, name, value); err != nil {
			return err
		}
		s.SetProfile(name, value)
		return nil
	default:
		s.SetProfile(name, value)
		return nil
	}
}

// SetProfile writes a profile-scope variable.
func (s *Store) SetProfile(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile[name] = value
}

// SetBuiltin refreshes a built-in value.
func (s *Store) SetBuiltin(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builtins[name] = value
}

// Shared returns the shared scope.
func (s *Store) Shared() *Shared { return s.shared }

// Profile returns a copy of the profile scope.
func (s *Store) Profile() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.profile)
}

// Snapshot returns the merged view used for display and test assertions.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string)
	s.mu.RLock()
	maps.Copy(out, s.builtins)
	s.mu.RUnlock()
	maps.Copy(out, s.shared.Snapshot())
	s.mu.RLock()
	maps.Copy(out, s.profile)
	s.mu.RUnlock()
	return out
}
