package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/graph"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// Describe returns a markdown overview of sc: its description and a table of
// steps with their routes.
func Describe(sc *schema.Scenario) (string, error) {
	g, err := graph.Build(sc)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sc.Name)
	if sc.Description != "" {
		b.WriteString(sc.Description + "\n\n")
	}
	fmt.Fprintf(&b, "%d steps, entry `%s`.\n\n", g.Len(), g.Entry())
	b.WriteString("| # | tag | action | description | on success | on failure |\n")
	b.WriteString("|---|-----|--------|-------------|------------|------------|\n")
	for _, n := range g.Nodes() {
		st := n.Step
		success, failure := routes(n)
		fmt.Fprintf(&b, "| %d | `%s` | %s | %s | %s | %s |\n",
			st.Index+1, st.Tag, st.Action, cell(st.Description), success, failure)
	}
	return b.String(), nil
}

// routes describes where a step goes next for each outcome.
func routes(n *graph.Node) (success, failure string) {
	if n.Step.Action == schema.ActionEnd {
		return "end", "end"
	}
	target := func(to *graph.Node) string {
		if to == nil {
			to = n.Seq
		}
		if to == nil {
			return "finish"
		}
		return "`" + to.Step.Tag + "`"
	}
	success = target(n.Success)
	failure = target(n.Failure)
	if n.Step.Action == schema.ActionCompare && n.Success != nil && n.Failure == nil {
		failure = "stop"
	}
	return success, failure
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// RenderMarkdown styles md for the terminal at the given width. It falls
// back to the raw input when rendering fails.
func RenderMarkdown(md string, width int) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
