// Package diagram generates visual diagrams from scenarios.
// Supports Mermaid flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/graph"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram string from a loaded scenario.
func Generate(sc *schema.Scenario, format Format) (string, error) {
	if sc == nil {
		return "", fmt.Errorf("nil scenario")
	}
	g, err := graph.Build(sc)
	if err != nil {
		return "", err
	}
	steps := collect(g)
	switch format {
	case FormatMermaid:
		return generateMermaid(steps), nil
	case FormatASCII:
		return generateASCII(sc.Name, steps), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(steps []diagramStep) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if len(steps) == 0 {
		return b.String()
	}

	b.WriteString("    START([Start]) --> " + safeID(steps[0].tag) + "\n")
	ended := false
	for _, s := range steps {
		b.WriteString("    " + nodeDefinition(s) + "\n")
		for _, e := range s.edges {
			to := safeID(e.to)
			switch e.to {
			case "":
				to = "END"
				ended = true
			case stopTarget:
				to = safeID(s.tag) + "_STOP"
				b.WriteString(fmt.Sprintf("    %s([Stop])\n", to))
				b.WriteString(fmt.Sprintf("    style %s fill:#e60,stroke:#c40,color:#fff\n", to))
			}
			arrow := "-->"
			if e.kind == edgeFailure {
				arrow = "-.->"
			}
			if e.label == "" {
				b.WriteString(fmt.Sprintf("    %s %s %s\n", safeID(s.tag), arrow, to))
			} else {
				b.WriteString(fmt.Sprintf("    %s %s|%q| %s\n", safeID(s.tag), arrow, e.label, to))
			}
		}
	}
	if ended {
		b.WriteString("    END([End])\n")
		b.WriteString("    style END fill:#0d6,stroke:#0a5,color:#fff\n")
	}

	for _, s := range steps {
		switch {
		case s.action == schema.ActionCompare:
			b.WriteString(fmt.Sprintf("    style %s fill:#4a3a1a,stroke:#fa0\n", safeID(s.tag)))
		case s.action.IsBrowserAction():
			b.WriteString(fmt.Sprintf("    style %s fill:#1a3a4a,stroke:#0af\n", safeID(s.tag)))
		}
	}
	return b.String()
}

// --- ASCII ---

func generateASCII(name string, steps []diagramStep) string {
	var b strings.Builder
	if name == "" {
		name = "Scenario"
	}
	if len(steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Compute uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := computeUniformBoxWidth(steps, name)
	connCol := indent + 1 + boxWidth/2 // +1 accounts for the └/┌ border character
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	// Header: same width as body boxes, name centered.
	headerText := centerPad(name, boxWidth)
	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + headerText + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	for i, s := range steps {
		writeASCIIStep(&b, s, indent, boxWidth)
		for _, e := range s.jumps() {
			b.WriteString(connPad + "├─ " + e + "\n")
		}
		if i < len(steps)-1 {
			b.WriteString(connPad + "│\n")
		}
	}
	return b.String()
}

// computeUniformBoxWidth returns the widest interior width needed
// across all steps and the header name.
func computeUniformBoxWidth(steps []diagramStep, name string) int {
	w := 22
	if nameWidth := runewidth.StringWidth(name) + 4; nameWidth > w {
		w = nameWidth
	}
	for _, s := range steps {
		if sw := stepContentWidth(s); sw > w {
			w = sw
		}
	}
	return w
}

// stepContentWidth returns the interior width a single step box needs.
func stepContentWidth(s diagramStep) int {
	w := runewidth.StringWidth(boxLabel(s))
	if s.writes != "" {
		if cw := runewidth.StringWidth(" → " + s.writes); cw > w {
			w = cw
		}
	}
	return w
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", total-left)
}

func boxLabel(s diagramStep) string {
	return fmt.Sprintf(" %s %s: %s ", stepIcon(s.action), s.tag, s.action)
}

func writeASCIIStep(b *strings.Builder, s diagramStep, indent, boxWidth int) {
	content := boxLabel(s)
	contentWidth := runewidth.StringWidth(content)
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-contentWidth) + "│\n")
	if s.writes != "" {
		line := " → " + s.writes
		b.WriteString(pad + "│" + line + strings.Repeat(" ", boxWidth-runewidth.StringWidth(line)) + "│\n")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func stepIcon(a schema.Action) string {
	switch {
	case a == schema.ActionStart:
		return "▶"
	case a == schema.ActionEnd:
		return "■"
	case a == schema.ActionCompare:
		return "◇"
	case a == schema.ActionRunScenario:
		return "📎"
	case a == schema.ActionHTTPRequest:
		return "⇄"
	case a.IsBrowserAction():
		return "🌐"
	default:
		return "○"
	}
}

// --- graph walking helpers ---

type edgeKind int

const (
	edgeSeq edgeKind = iota
	edgeSuccess
	edgeFailure
)

// stopTarget marks the compare rule that stops a run when a false result
// has no error route.
const stopTarget = "\x00stop"

type diagramEdge struct {
	kind  edgeKind
	label string
	to    string // "" is the end of the run
}

type diagramStep struct {
	tag    string
	action schema.Action
	title  string
	writes string
	edges  []diagramEdge
}

// jumps lists the non-sequential routes for the ASCII view.
func (s diagramStep) jumps() []string {
	var out []string
	for _, e := range s.edges {
		if e.kind == edgeSeq {
			continue
		}
		to := e.to
		switch to {
		case "":
			to = "end"
		case stopTarget:
			to = "stop"
		}
		out = append(out, e.label+" → "+to)
	}
	return out
}

func collect(g *graph.Graph) []diagramStep {
	var result []diagramStep
	for _, n := range g.Nodes() {
		st := n.Step
		ds := diagramStep{
			tag:    st.Tag,
			action: st.Action,
			title:  st.Description,
			writes: strings.Join(writes(st), ", "),
			edges:  edges(n),
		}
		result = append(result, ds)
	}
	return result
}

// edges mirrors the engine's transition rule for one node.
func edges(n *graph.Node) []diagramEdge {
	if n.Step.Action == schema.ActionEnd {
		return []diagramEdge{{kind: edgeSeq, to: ""}}
	}
	seq := ""
	if n.Seq != nil {
		seq = n.Seq.Step.Tag
	}
	success, failure := "success", "failure"
	if n.Step.Action == schema.ActionCompare {
		success, failure = "true", "false"
	}

	var out []diagramEdge
	if n.Success != nil {
		out = append(out, diagramEdge{kind: edgeSuccess, label: success, to: n.Success.Step.Tag})
	}
	switch {
	case n.Failure != nil:
		out = append(out, diagramEdge{kind: edgeFailure, label: failure, to: n.Failure.Step.Tag})
	case n.Step.Action == schema.ActionCompare && n.Success != nil:
		out = append(out, diagramEdge{kind: edgeFailure, label: failure, to: stopTarget})
	}
	if n.Success == nil || (n.Failure == nil && n.Step.Action != schema.ActionCompare) {
		out = append(out, diagramEdge{kind: edgeSeq, to: seq})
	}
	return out
}

// writes lists the variables a step assigns.
func writes(st *schema.Step) []string {
	switch p := st.Typed.(type) {
	case *schema.ExtractTextParams:
		if p.ToVar == "" {
			return []string{"last_value"}
		}
		return []string{p.ToVar}
	case *schema.SetVarParams:
		return []string{p.Name}
	case *schema.CompareParams:
		if p.ResultVar != "" {
			return []string{p.ResultVar}
		}
	case *schema.ParseVarParams:
		return patternNames(p.Pattern)
	case *schema.PopSharedParams:
		return patternNames(p.Pattern)
	case *schema.HTTPRequestParams:
		prefix := p.SaveAs
		if prefix == "" {
			prefix = "http"
		}
		out := []string{prefix + "_*"}
		if p.ResponseVar != "" {
			out = append(out, p.ResponseVar)
		}
		return out
	}
	return nil
}

func patternNames(pattern string) []string {
	p, err := eval.CompilePattern(pattern)
	if err != nil {
		return nil
	}
	return p.Names()
}

// --- string helpers ---

func nodeDefinition(s diagramStep) string {
	id := safeID(s.tag)
	title := s.tag + ": " + string(s.action)
	if s.title != "" {
		title = s.tag + ": " + truncate(s.title, 40)
	}
	suffix := ""
	if s.writes != "" {
		suffix = "<br/>→ " + escMermaid(s.writes)
	}
	icon := stepIcon(s.action)

	switch {
	case s.action == schema.ActionCompare:
		return fmt.Sprintf(`%s{"%s %s%s"}`, id, icon, escMermaid(title), suffix)
	case s.action == schema.ActionStart || s.action == schema.ActionEnd:
		return fmt.Sprintf(`%s(["%s %s"])`, id, icon, escMermaid(title))
	case s.action == schema.ActionRunScenario:
		return fmt.Sprintf(`%s[["%s %s"]]`, id, icon, escMermaid(title))
	case s.action.IsBrowserAction():
		return fmt.Sprintf(`%s["%s %s%s"]`, id, icon, escMermaid(title), suffix)
	default:
		return fmt.Sprintf(`%s[/"%s %s%s"/]`, id, icon, escMermaid(title), suffix)
	}
}

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_", ":", "_")
	return "s_" + r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
