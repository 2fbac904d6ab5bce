package vars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ormasoftchile/sceneflow/pkg/store"
)

// ErrEmpty is returned by Pop when the key holds no items.
var ErrEmpty = errors.New("shared variable is empty")

// Kind is the persisted shape of a shared variable.
type Kind string

const (
	KindString Kind = "string"
	KindList   Kind = "list"
)

// Entry is one shared variable. List values are kept newline-joined.
type Entry struct {
	Kind  Kind   `json:"type"`
	Value string `json:"value"`
}

// Items splits the value into trimmed, non-empty lines.
func (e Entry) Items() []string {
	return splitItems(e.Value)
}

// Shared is the process-wide variable scope. Mutations of one key are
// serialized by a per-key lock and are persisted before the lock is released,
// so a concurrent Pop never hands out the same head twice.
type Shared struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]Entry

	persistMu sync.Mutex
	kv        store.KV
}

// NewShared creates an empty shared scope persisted to kv. A nil kv keeps
// everything in memory.
func NewShared(kv store.KV) *Shared {
	return &Shared{
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]Entry),
		kv:      kv,
	}
}

// Load replaces the in-memory state with the persisted document.
func (s *Shared) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	raw, ok, err := s.kv.Get(ctx, store.KeySharedVariables)
	if err != nil {
		return fmt.Errorf("load shared variables: %w", err)
	}
	entries := make(map[string]Entry)
	if ok && strings.TrimSpace(raw) != "" {
		entries, err = decodeDocument([]byte(raw))
		if err != nil {
			return fmt.Errorf("decode shared variables: %w", err)
		}
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Get returns the value of key. Lists are returned newline-joined.
func (s *Shared) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// Entry returns the full entry for key.
func (s *Shared) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Set stores value under key. An existing list keeps its list kind.
func (s *Shared) Set(ctx context.Context, key, value string) error {
	unlock := s.lock(key)
	defer unlock()

	prev, existed := s.Entry(key)
	next := Entry{Kind: KindString, Value: normalizeNewlines(value)}
	if existed && prev.Kind == KindList {
		next = Entry{Kind: KindList, Value: strings.Join(splitItems(value), "\n")}
	}
	return s.commit(ctx, key, prev, existed, next)
}

// SetList stores items as a list variable.
func (s *Shared) SetList(ctx context.Context, key string, items []string) error {
	unlock := s.lock(key)
	defer unlock()

	prev, existed := s.Entry(key)
	next := Entry{Kind: KindList, Value: strings.Join(splitItems(strings.Join(items, "\n")), "\n")}
	return s.commit(ctx, key, prev, existed, next)
}

// Pop removes and returns the first item of key. The remaining items are
// persisted before Pop returns.
func (s *Shared) Pop(ctx context.Context, key string) (string, []string, error) {
	unlock := s.lock(key)
	defer unlock()

	prev, existed := s.Entry(key)
	items := prev.Items()
	if !existed || len(items) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrEmpty, key)
	}
	head, remaining := items[0], items[1:]
	kind := prev.Kind
	if kind == "" {
		kind = KindString
	}
	next := Entry{Kind: kind, Value: strings.Join(remaining, "\n")}
	if err := s.commit(ctx, key, prev, existed, next); err != nil {
		return "", nil, err
	}
	return head, remaining, nil
}

// Snapshot returns a copy of all values.
func (s *Shared) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Keys returns all keys in sorted order.
func (s *Shared) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Shared) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// commit applies next and persists the document. On a persistence error the
// previous entry is restored.
func (s *Shared) commit(ctx context.Context, key string, prev Entry, existed bool, next Entry) error {
	s.mu.Lock()
	s.entries[key] = next
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		if existed {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return fmt.Errorf("persist shared variable %q: %w", key, err)
	}
	return nil
}

func (s *Shared) persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	doc := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		if e.Kind == KindList {
			doc[k] = map[string]any{"type": KindList, "value": e.Items()}
		} else {
			doc[k] = map[string]any{"type": KindString, "value": e.Value}
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, store.KeySharedVariables, string(data))
}

// decodeDocument accepts {"k": {"type": "list", "value": [..]}},
// {"k": {"type": "string", "value": ".."}} and bare {"k": ".."} entries.
func decodeDocument(data []byte) (map[string]Entry, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(doc))
	for k, raw := range doc {
		var typed struct {
			Type  Kind            `json:"type"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &typed); err == nil && typed.Value != nil {
			out[k] = entryFromValue(typed.Type, typed.Value)
			continue
		}
		out[k] = entryFromValue("", raw)
	}
	return out, nil
}

func entryFromValue(kind Kind, raw json.RawMessage) Entry {
	var list []any
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") && json.Unmarshal(raw, &list) == nil {
		items := make([]string, 0, len(list))
		for _, item := range list {
			items = append(items, fmt.Sprint(item))
		}
		return Entry{Kind: KindList, Value: strings.Join(splitItems(strings.Join(items, "\n")), "\n")}
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		str = strings.TrimSpace(string(raw))
	}
	if kind == KindList {
		return Entry{Kind: KindList, Value: strings.Join(splitItems(str), "\n")}
	}
	return Entry{Kind: KindString, Value: normalizeNewlines(str)}
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func splitItems(s string) []string {
	var out []string
	for _, line := range strings.Split(normalizeNewlines(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
