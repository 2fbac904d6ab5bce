// Package debugger implements the interactive step debugger for scenarios.
package debugger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
)

// Debugger provides an interactive REPL for stepping through one run.
type Debugger struct {
	engine *engine.Engine
	path   string // scenario file, for reload
	output io.Writer
	rl     *readline.Instance
}

// New wraps a prepared engine. path is the scenario file re-read by reload;
// it may be empty.
func New(eng *engine.Engine, path string) *Debugger {
	return &Debugger{engine: eng, path: path, output: os.Stdout}
}

// SetOutput redirects command output.
func (d *Debugger) SetOutput(w io.Writer) { d.output = w }

// Engine returns the engine being debugged.
func (d *Debugger) Engine() *engine.Engine {
	return d.engine
}

// Run starts the interactive REPL loop and returns the run result once the
// user quits or the run ends.
func (d *Debugger) Run(ctx context.Context) (*engine.RunResult, error) {
	commands := []string{"next", "continue", "jump", "print vars", "print shared",
		"history", "dump", "reload", "stop", "help", "quit"}

	var completer = readline.NewPrefixCompleter()
	for _, cmd := range commands {
		completer.Children = append(completer.Children,
			readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	d.rl = rl
	defer rl.Close()
	d.output = rl.Stdout()

	d.engine.Start(ctx)
	sc := d.engine.Scenario()
	fmt.Fprintf(d.output, "sceneflow debugger: %s, %d steps\n", sc.Name, len(sc.Steps))
	fmt.Fprintf(d.output, "Type 'help' for available commands, 'next' to execute the next step.\n\n")

	for !d.engine.Done() {
		rl.SetPrompt(d.buildPrompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				break
			}
			return d.engine.Finish(), err
		}
		if d.Exec(ctx, line) {
			break
		}
	}
	res := d.engine.Finish()
	fmt.Fprintf(d.output, "Run %s (%s).\n", res.Status, res.Reason)
	return res, nil
}

// Exec runs one command line and reports whether the user asked to quit.
func (d *Debugger) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts := strings.Fields(line)

	switch parts[0] {
	case "next", "n":
		d.handleNext(ctx)
	case "continue", "c":
		d.handleContinue(ctx)
	case "jump", "j":
		d.handleJump(parts)
	case "print", "p":
		d.handlePrint(parts)
	case "history", "h":
		d.handleHistory()
	case "dump":
		d.handleDump()
	case "reload", "r":
		d.handleReload()
	case "stop":
		d.engine.Stop()
		fmt.Fprintf(d.output, "Run stopped.\n")
	case "help", "?":
		d.handleHelp()
	case "quit", "q":
		fmt.Fprintf(d.output, "Exiting debugger.\n")
		return true
	default:
		fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", parts[0])
	}
	return false
}

// buildPrompt creates the prompt string: sceneflow[N/total | tag]>
func (d *Debugger) buildPrompt() string {
	st := d.engine.Current()
	if st == nil {
		return "sceneflow[done]> "
	}
	total := len(d.engine.Scenario().Steps)
	return fmt.Sprintf("sceneflow[%d/%d | %s]> ", st.Index+1, total, st.Tag)
}
