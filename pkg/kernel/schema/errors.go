package schema

import (
	"errors"
	"fmt"
)

// ErrMalformed marks every load-time scenario error.
var ErrMalformed = errors.New("malformed scenario")

// ErrUnknownTag is wrapped when a transition names a tag that does not exist.
var ErrUnknownTag = errors.New("unknown tag")

// ErrScenarioNotFound is returned when a library lookup fails.
var ErrScenarioNotFound = errors.New("scenario not found")

// MalformedError describes one problem found while loading a scenario.
// Index is the 0-based step position, or -1 for document-level problems.
type MalformedError struct {
	Scenario string
	Index    int
	Tag      string
	Reason   string
	Err      error
}

func (e *MalformedError) Error() string {
	loc := e.Scenario
	switch {
	case e.Tag != "":
		loc = fmt.Sprintf("%s: step %q", e.Scenario, e.Tag)
	case e.Index >= 0:
		loc = fmt.Sprintf("%s: step %d", e.Scenario, e.Index+1)
	}
	return fmt.Sprintf("malformed scenario %s: %s", loc, e.Reason)
}

// Is lets errors.Is match ErrMalformed.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// Problems flattens an error returned by Load into its individual problems.
func Problems(err error) []*MalformedError {
	var out []*MalformedError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if me, ok := e.(*MalformedError); ok {
			out = append(out, me)
			return
		}
		if multi, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range multi.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}
