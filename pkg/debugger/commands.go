package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// handleNext executes the current step and advances.
func (d *Debugger) handleNext(ctx context.Context) *engine.StepRecord {
	st := d.engine.Current()
	if st == nil {
		fmt.Fprintf(d.output, "Run finished.\n")
		return nil
	}
	fmt.Fprintf(d.output, "Executing %s [%s]\n", st.Label(), st.Action)

	rec := d.engine.Step(ctx)
	if rec == nil {
		return nil
	}
	d.printRecord(*rec)
	return rec
}

// handleContinue executes steps until the run ends.
func (d *Debugger) handleContinue(ctx context.Context) {
	for !d.engine.Done() {
		if d.handleNext(ctx) == nil {
			break
		}
	}
	fmt.Fprintf(d.output, "Run finished.\n")
}

// handleJump repositions the run on a tag.
func (d *Debugger) handleJump(parts []string) {
	if len(parts) < 2 {
		fmt.Fprintf(d.output, "Usage: jump <tag>\n")
		return
	}
	if err := d.engine.JumpTo(parts[1]); err != nil {
		fmt.Fprintf(d.output, "  Error: %v\n", err)
		return
	}
	fmt.Fprintf(d.output, "  Next step: %s\n", parts[1])
}

// handlePrint displays profile variables, shared variables or one name.
func (d *Debugger) handlePrint(parts []string) {
	if len(parts) < 2 {
		fmt.Fprintf(d.output, "Usage: print vars|shared|<name>\n")
		return
	}
	store := d.engine.Vars()
	switch parts[1] {
	case "vars":
		d.printMap(store.Profile(), "No profile variables set.")
	case "shared":
		d.printMap(store.Shared().Snapshot(), "No shared variables set.")
	default:
		v, ok := store.Get(parts[1])
		if !ok {
			fmt.Fprintf(d.output, "  %s is not set\n", parts[1])
			return
		}
		fmt.Fprintf(d.output, "  %s = %q\n", parts[1], v)
	}
}

func (d *Debugger) printMap(m map[string]string, empty string) {
	if len(m) == 0 {
		fmt.Fprintln(d.output, empty)
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		display := m[k]
		if len(display) > 200 {
			display = display[:200] + "..."
		}
		fmt.Fprintf(d.output, "  %s = %q\n", k, display)
	}
}

// handleHistory shows executed steps.
func (d *Debugger) handleHistory() {
	history := d.engine.History()
	if len(history) == 0 {
		fmt.Fprintf(d.output, "No steps executed yet.\n")
		return
	}
	for i, r := range history {
		fmt.Fprintf(d.output, "  [%d] ", i+1)
		d.printRecord(r)
	}
}

func (d *Debugger) printRecord(r engine.StepRecord) {
	status := "✓"
	if r.Failure != nil {
		status = "✗"
	}
	next := r.Next
	if next == "" {
		next = "(end)"
	}
	fmt.Fprintf(d.output, "  %s %s %s -> %s (%s)\n", status, r.Tag, r.Outcome, next, r.Duration.Round(time.Millisecond))
	if r.Failure != nil {
		fmt.Fprintf(d.output, "       %s: %s\n", r.Failure.Kind, r.Failure.Message)
	}
}

// handleDump outputs the current step as canonical JSON.
func (d *Debugger) handleDump() {
	st := d.engine.Current()
	if st == nil {
		fmt.Fprintf(d.output, "Run finished.\n")
		return
	}
	data, err := json.MarshalIndent(st.Canonical(), "", "  ")
	if err != nil {
		fmt.Fprintf(d.output, "  Error marshaling step: %v\n", err)
		return
	}
	fmt.Fprintln(d.output, string(data))
}

// handleReload re-reads the scenario file and swaps it into the run.
func (d *Debugger) handleReload() {
	if d.path == "" {
		fmt.Fprintf(d.output, "  No scenario file to reload.\n")
		return
	}
	sc, err := schema.LoadFile(d.path)
	if err != nil {
		fmt.Fprintf(d.output, "  Error: %v\n", err)
		return
	}
	if err := d.engine.Replace(sc); err != nil {
		fmt.Fprintf(d.output, "  Error: %v\n", err)
		return
	}
	fmt.Fprintf(d.output, "  Reloaded %s (%d steps)\n", sc.Name, len(sc.Steps))
}

// handleHelp displays available commands.
func (d *Debugger) handleHelp() {
	fmt.Fprintln(d.output, "Available commands:")
	fmt.Fprintln(d.output, "  next (n)         Execute the next step")
	fmt.Fprintln(d.output, "  continue (c)     Execute steps until the run ends")
	fmt.Fprintln(d.output, "  jump (j) <tag>   Make <tag> the next step")
	fmt.Fprintln(d.output, "  print vars       Show profile variables")
	fmt.Fprintln(d.output, "  print shared     Show shared variables")
	fmt.Fprintln(d.output, "  print <name>     Resolve one variable")
	fmt.Fprintln(d.output, "  history (h)      Show executed steps")
	fmt.Fprintln(d.output, "  dump             Show the next step as JSON")
	fmt.Fprintln(d.output, "  reload (r)       Re-read the scenario file")
	fmt.Fprintln(d.output, "  stop             Stop the run")
	fmt.Fprintln(d.output, "  help (?)         Show this help")
	fmt.Fprintln(d.output, "  quit (q)         Exit debugger")
}
