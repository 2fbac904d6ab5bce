package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk scenario shape. JSON documents decode through the
// YAML decoder as well.
type document struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Steps       []map[string]any `yaml:"steps"`
}

// LoadFile reads and normalizes a scenario file (JSON or YAML).
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return load(f, path)
}

// Load reads a scenario from a reader.
// Returns a structural error if the document contains unknown top-level
// fields, and MalformedError values (joined) for step-level problems.
func Load(r io.Reader) (*Scenario, error) {
	return load(r, "")
}

// LoadBytes reads a scenario from memory.
func LoadBytes(data []byte) (*Scenario, error) {
	return load(bytes.NewReader(data), "")
}

func load(r io.Reader, path string) (*Scenario, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // strict: reject unknown fields
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, &MalformedError{Scenario: path, Index: -1, Reason: "empty document"}
		}
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return normalize(doc.Name, doc.Description, doc.Steps, path)
}
