// Package graph resolves a scenario's step list into a tag-indexed graph with
// success, failure and sequential edges computed once at build time.
package graph

import (
	"fmt"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// ErrUnknownTag is returned when a tag or transition target does not exist.
var ErrUnknownTag = schema.ErrUnknownTag

// Outcome is the result of one step.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Node is one step plus its outgoing edges. A nil edge means "not set".
type Node struct {
	Step    *schema.Step
	Success *Node // next_success_step
	Failure *Node // next_error_step
	Seq     *Node // next step in sequence order
}

// Graph is the immutable adjacency structure of a scenario.
type Graph struct {
	Scenario *schema.Scenario
	nodes    []*Node
	byTag    map[string]*Node
}

// Build indexes sc. Transition targets that do not resolve produce a
// MalformedError wrapping ErrUnknownTag.
func Build(sc *schema.Scenario) (*Graph, error) {
	g := &Graph{
		Scenario: sc,
		nodes:    make([]*Node, len(sc.Steps)),
		byTag:    make(map[string]*Node, len(sc.Steps)),
	}
	for i := range sc.Steps {
		n := &Node{Step: &sc.Steps[i]}
		g.nodes[i] = n
		if _, dup := g.byTag[n.Step.Tag]; dup {
			return nil, &schema.MalformedError{Scenario: sc.Name, Index: i, Tag: n.Step.Tag, Reason: fmt.Sprintf("duplicate tag %q", n.Step.Tag)}
		}
		g.byTag[n.Step.Tag] = n
	}
	for i, n := range g.nodes {
		if i+1 < len(g.nodes) {
			n.Seq = g.nodes[i+1]
		}
		var err error
		if n.Success, err = g.edge(n, n.Step.NextSuccess); err != nil {
			return nil, err
		}
		if n.Failure, err = g.edge(n, n.Step.NextError); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) edge(from *Node, target string) (*Node, error) {
	if target == "" {
		return nil, nil
	}
	to, ok := g.byTag[target]
	if !ok {
		return nil, &schema.MalformedError{
			Scenario: g.Scenario.Name, Index: from.Step.Index, Tag: from.Step.Tag,
			Reason: fmt.Sprintf("transition target %q does not exist", target),
			Err:    ErrUnknownTag,
		}
	}
	return to, nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.nodes) }

// Entry returns the first step's tag, or "" for an empty scenario.
func (g *Graph) Entry() string {
	if len(g.nodes) == 0 {
		return ""
	}
	return g.nodes[0].Step.Tag
}

// Node returns the node for tag.
func (g *Graph) Node(tag string) (*Node, bool) {
	n, ok := g.byTag[tag]
	return n, ok
}

// Step returns the step for tag.
func (g *Graph) Step(tag string) (*schema.Step, error) {
	n, ok := g.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	return n.Step, nil
}

// Nodes returns the nodes in sequence order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Next applies the transition rule: an explicit edge for the outcome wins,
// otherwise execution falls through to the following step. terminal is true
// when there is no following step.
func (g *Graph) Next(tag string, outcome Outcome) (next string, terminal bool, err error) {
	n, ok := g.byTag[tag]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	var to *Node
	switch outcome {
	case Success:
		to = n.Success
	case Failure:
		to = n.Failure
	}
	if to == nil {
		to = n.Seq
	}
	if to == nil {
		return "", true, nil
	}
	return to.Step.Tag, false, nil
}

// Reachable returns the tags reachable from the entry over any edge.
func (g *Graph) Reachable() map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	if len(g.nodes) == 0 {
		return seen
	}
	stack := []*Node{g.nodes[0]}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n.Step.Tag] {
			continue
		}
		seen[n.Step.Tag] = true
		for _, next := range []*Node{n.Success, n.Failure, n.Seq} {
			if next != nil && !seen[next.Step.Tag] {
				stack = append(stack, next)
			}
		}
	}
	return seen
}
