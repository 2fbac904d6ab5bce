package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var (
	ErrNotFound  = errors.New("profile not found")
	ErrDuplicate = errors.New("duplicate profile name")
)

// Repository stores profiles by case-insensitive name. It also receives the
// stage and field updates made by running scenarios.
type Repository interface {
	List(ctx context.Context) ([]Profile, error)
	Get(ctx context.Context, name string) (Profile, error)
	// Put inserts p or replaces the profile with the same name.
	Put(ctx context.Context, p Profile) error
	Delete(ctx context.Context, name string) error
	UpdateStage(ctx context.Context, name, stage string) error
	UpdateFields(ctx context.Context, name string, fields map[string]string) error
}

// Select returns the profiles whose stage matches pattern, in name order,
// capped at max when max > 0. Patterns use glob syntax and are matched
// case-insensitively; "" selects profiles without a stage.
func Select(profiles []Profile, pattern string, max int) ([]Profile, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern); err != nil {
			return nil, fmt.Errorf("stage pattern %q: %w", pattern, err)
		}
	}

	sorted := append([]Profile(nil), profiles...)
	sortByName(sorted)
	var out []Profile
	for _, p := range sorted {
		stage := strings.ToLower(strings.TrimSpace(p.Stage))
		if g == nil && stage != "" || g != nil && !g.Match(stage) {
			continue
		}
		out = append(out, p)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

// Memory is an in-process Repository.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Profile
}

// NewMemory returns a repository seeded with profiles.
func NewMemory(profiles ...Profile) *Memory {
	r := &Memory{m: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.m[strings.ToLower(p.Name)] = clone(p)
	}
	return r
}

func (r *Memory) List(context.Context) ([]Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.m))
	for _, p := range r.m {
		out = append(out, clone(p))
	}
	sortByName(out)
	return out, nil
}

func (r *Memory) Get(_ context.Context, name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return clone(p), nil
}

func (r *Memory) Put(_ context.Context, p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[strings.ToLower(p.Name)] = clone(p)
	return nil
}

func (r *Memory) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, strings.ToLower(strings.TrimSpace(name)))
	return nil
}

func (r *Memory) UpdateStage(ctx context.Context, name, stage string) error {
	return r.UpdateFields(ctx, name, map[string]string{"stage": stage})
}

func (r *Memory) UpdateFields(_ context.Context, name string, fields map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(name))
	p, ok := r.m[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p = clone(p)
	p.apply(fields)
	r.m[key] = p
	return nil
}

func clone(p Profile) Profile {
	if p.Fields != nil {
		f := make(map[string]string, len(p.Fields))
		for k, v := range p.Fields {
			f[k] = v
		}
		p.Fields = f
	}
	if p.ExtraFields != nil {
		f := make(map[string]string, len(p.ExtraFields))
		for k, v := range p.ExtraFields {
			f[k] = v
		}
		p.ExtraFields = f
	}
	return p
}
