// Package trace implements the engine's append-only JSONL run journal.
// Every event carries the SHA-256 of the previous line so the file can be
// verified after the fact.
package trace

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// SigningKeyEnv names the environment variable holding the HMAC key used to
// sign the chain hash on run_complete.
const SigningKeyEnv = "SCENEFLOW_TRACE_SIGNING_KEY"

// EventType enumerates all trace event types.
type EventType string

const (
	EventRunStart       EventType = "run_start"
	EventRunComplete    EventType = "run_complete"
	EventStepStart      EventType = "step_start"
	EventStepComplete   EventType = "step_complete"
	EventTransition     EventType = "transition"
	EventVariableSet    EventType = "variable_set"
	EventSharedPop      EventType = "shared_pop"
	EventLog            EventType = "log"
	EventNestedStart    EventType = "nested_start"
	EventNestedComplete EventType = "nested_complete"
	EventBrowserRelease EventType = "browser_release"
)

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusError   StepStatus = "error"
)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure describes why a step failed.
type Failure struct {
	Kind    string `json:"kind"` // step_failure, timeout, browser, malformed, ...
	Message string `json:"message"`
}

// Observer receives every event after it has been written.
type Observer func(Event)

// Writer writes trace events to an append-only JSONL stream. A nil *Writer
// discards everything.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	runID     string
	prevHash  string
	secrets   []string
	observers []Observer
}

var genesis = strings.Repeat("0", 64)

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{w: w, runID: runID, prevHash: genesis}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.closer = f
	return tw, nil
}

// Close closes the underlying file, if the writer owns one.
func (tw *Writer) Close() error {
	if tw == nil || tw.closer == nil {
		return nil
	}
	return tw.closer.Close()
}

// RunID returns the run identifier stamped on every event.
func (tw *Writer) RunID() string {
	if tw == nil {
		return ""
	}
	return tw.runID
}

// SetSecrets configures literal values (proxy passwords and the like) that
// are replaced by <REDACTED> in every string written.
func (tw *Writer) SetSecrets(values []string) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secrets = tw.secrets[:0]
	tw.addSecrets(values)
}

// AddSecret adds one value to the redaction set.
func (tw *Writer) AddSecret(value string) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.addSecrets([]string{value})
}

// addSecrets keeps the set longest first so a secret that contains another
// is replaced whole. Callers hold tw.mu.
func (tw *Writer) addSecrets(values []string) {
	for _, v := range values {
		if v != "" && !slices.Contains(tw.secrets, v) {
			tw.secrets = append(tw.secrets, v)
		}
	}
	sort.SliceStable(tw.secrets, func(i, j int) bool { return len(tw.secrets[i]) > len(tw.secrets[j]) })
}

// IsSecretName reports whether a variable name marks a credential: it
// contains password, token or secret.
func IsSecretName(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "password") || strings.Contains(name, "token") || strings.Contains(name, "secret")
}

// SecretValues picks the non-empty values of credential variables, longest
// first.
func SecretValues(vars map[string]string) []string {
	var out []string
	for k, v := range vars {
		if v != "" && IsSecretName(k) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Observe registers fn to receive every subsequent event.
func (tw *Writer) Observe(fn Observer) {
	if tw == nil || fn == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.observers = append(tw.observers, fn)
}

// RedactSecrets replaces configured secret values in s.
func (tw *Writer) RedactSecrets(s string) string {
	for _, v := range tw.secrets {
		s = strings.ReplaceAll(s, v, "<REDACTED>")
	}
	return s
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		PrevHash:  tw.prevHash,
		Data:      tw.redact(data),
	}
	line, err := encodeLine(evt)
	if err == nil && tw.w != nil {
		_, err = tw.w.Write(line)
	}
	if err == nil {
		sum := sha256.Sum256(line[:len(line)-1])
		tw.prevHash = hex.EncodeToString(sum[:])
	}
	observers := append([]Observer(nil), tw.observers...)
	tw.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	for _, fn := range observers {
		fn(evt)
	}
	return nil
}

// encodeLine renders evt as one newline-terminated JSON line without HTML
// escaping, so markers such as <REDACTED> stay readable.
func encodeLine(evt Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(evt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (tw *Writer) redact(data map[string]any) map[string]any {
	if len(tw.secrets) == 0 || data == nil {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = tw.redactValue(v)
	}
	return out
}

func (tw *Writer) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return tw.RedactSecrets(val)
	case map[string]any:
		return tw.redact(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = tw.RedactSecrets(s)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = tw.redactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = tw.RedactSecrets(item)
		}
		return out
	default:
		return v
	}
}

// EmitRunStart emits a run_start event.
func (tw *Writer) EmitRunStart(scenario, profile string, depth int) error {
	data := map[string]any{
		"scenario": scenario,
		"profile":  profile,
	}
	if depth > 0 {
		data["depth"] = depth
	}
	return tw.Emit(EventRunStart, data)
}

// EmitStepStart emits a step_start event.
func (tw *Writer) EmitStepStart(tag, action string, params map[string]any) error {
	data := map[string]any{
		"tag":    tag,
		"action": action,
	}
	if len(params) > 0 {
		data["params"] = params
	}
	return tw.Emit(EventStepStart, data)
}

// EmitStepComplete emits a step_complete event.
func (tw *Writer) EmitStepComplete(tag string, status StepStatus, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"tag":      tag,
		"status":   string(status),
		"duration": duration.String(),
	}
	if failure != nil {
		data["failure"] = map[string]any{
			"kind":    failure.Kind,
			"message": failure.Message,
		}
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitTransition records the routing decision after a step.
func (tw *Writer) EmitTransition(from, to, outcome string, terminal bool) error {
	data := map[string]any{
		"from":    from,
		"outcome": outcome,
	}
	if terminal {
		data["terminal"] = true
	} else {
		data["to"] = to
	}
	return tw.Emit(EventTransition, data)
}

// EmitVariableSet records a variable write. Values of credential variables
// join the redaction set first, so they never reach the trace.
func (tw *Writer) EmitVariableSet(name, scope, value string) error {
	if IsSecretName(name) {
		tw.AddSecret(value)
	}
	return tw.Emit(EventVariableSet, map[string]any{
		"name":  name,
		"scope": scope,
		"value": value,
	})
}

// EmitSharedPop records a shared-list pop.
func (tw *Writer) EmitSharedPop(key string, remaining int) error {
	return tw.Emit(EventSharedPop, map[string]any{
		"key":       key,
		"remaining": remaining,
	})
}

// EmitLog records a log step message.
func (tw *Writer) EmitLog(tag, message string) error {
	return tw.Emit(EventLog, map[string]any{
		"tag":     tag,
		"message": message,
	})
}

// EmitNested records entry into or exit from a nested scenario.
func (tw *Writer) EmitNested(start bool, tag, scenario string, status string) error {
	if start {
		return tw.Emit(EventNestedStart, map[string]any{"tag": tag, "scenario": scenario})
	}
	return tw.Emit(EventNestedComplete, map[string]any{"tag": tag, "scenario": scenario, "status": status})
}

// EmitBrowserRelease records that the browser session was closed.
func (tw *Writer) EmitBrowserRelease(err error) error {
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	return tw.Emit(EventBrowserRelease, data)
}

// EmitRunComplete emits a run_complete event. When SigningKeyEnv is set the
// chain hash is signed with HMAC-SHA256.
func (tw *Writer) EmitRunComplete(status, reason string, steps int, duration time.Duration) error {
	if tw == nil {
		return nil
	}
	data := map[string]any{
		"status":   status,
		"steps":    steps,
		"duration": duration.String(),
	}
	if reason != "" {
		data["reason"] = reason
	}
	tw.mu.Lock()
	chain := tw.prevHash
	tw.mu.Unlock()
	data["chain_hash"] = chain
	if key := os.Getenv(SigningKeyEnv); key != "" {
		data["signature"] = sign(key, chain)
		data["signing_key_id"] = keyID(key)
	}
	return tw.Emit(EventRunComplete, data)
}

func sign(key, chain string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(chain))
	return hex.EncodeToString(mac.Sum(nil))
}

func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
