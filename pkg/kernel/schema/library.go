package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Library resolves scenarios by name for run_scenario and the CLI. Names are
// matched case-insensitively. File-backed entries are re-read on every Get so
// a nested run always sees the latest saved version.
type Library struct {
	mu     sync.RWMutex
	dir    string
	paths  map[string]string    // lower(name) → file
	memory map[string]*Scenario // lower(name) → scenario
}

// NewLibrary creates an in-memory library.
func NewLibrary(scenarios ...*Scenario) *Library {
	l := &Library{paths: map[string]string{}, memory: map[string]*Scenario{}}
	for _, sc := range scenarios {
		l.Add(sc)
	}
	return l
}

// OpenLibrary indexes every *.json, *.yaml and *.yml file in dir. Files are
// keyed by their declared name and by file stem.
func OpenLibrary(dir string) (*Library, error) {
	l := NewLibrary()
	l.dir = dir
	if err := l.Rescan(); err != nil {
		return nil, err
	}
	return l, nil
}

// Rescan rebuilds the file index.
func (l *Library) Rescan() error {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read scenario library: %w", err)
	}
	paths := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !isScenarioFile(e.Name()) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if _, ok := paths[strings.ToLower(stem)]; !ok {
			paths[strings.ToLower(stem)] = path
		}
		if sc, err := LoadFile(path); err == nil {
			paths[strings.ToLower(sc.Name)] = path
		}
	}
	l.mu.Lock()
	l.paths = paths
	l.mu.Unlock()
	return nil
}

// Add registers an in-memory scenario, shadowing files with the same name.
func (l *Library) Add(sc *Scenario) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memory[strings.ToLower(sc.Name)] = sc
}

// Path returns the file backing name, if any.
func (l *Library) Path(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.paths[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Get loads the scenario called name.
func (l *Library) Get(name string) (*Scenario, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	l.mu.RLock()
	sc, inMemory := l.memory[key]
	path, onDisk := l.paths[key]
	l.mu.RUnlock()

	switch {
	case inMemory:
		return sc, nil
	case onDisk:
		return LoadFile(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrScenarioNotFound, name)
	}
}

// Has reports whether name resolves.
func (l *Library) Has(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, a := l.memory[key]
	_, b := l.paths[key]
	return a || b
}

// Names lists the resolvable names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := map[string]bool{}
	var names []string
	for _, sc := range l.memory {
		if !seen[strings.ToLower(sc.Name)] {
			seen[strings.ToLower(sc.Name)] = true
			names = append(names, sc.Name)
		}
	}
	files := map[string]bool{}
	for key, path := range l.paths {
		if seen[key] {
			files[path] = true
		}
	}
	for _, path := range l.paths {
		if files[path] {
			continue
		}
		files[path] = true
		names = append(names, nameForPath(path))
	}
	sort.Strings(names)
	return names
}

func nameForPath(path string) string {
	if sc, err := LoadFile(path); err == nil {
		return sc.Name
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func isScenarioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
