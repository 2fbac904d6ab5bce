package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/diagram"
	"github.com/ormasoftchile/sceneflow/pkg/ecosystem/tui"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	kvalidate "github.com/ormasoftchile/sceneflow/pkg/kernel/validate"
)

// loadValid validates path against the scenarios in its directory and
// prints warnings. Errors are printed and returned as one error.
func loadValid(path string) (*schema.Scenario, *schema.Library, error) {
	lib, err := schema.OpenLibrary(filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	sc, errs := kvalidate.ValidateFile(path, lib)
	var failures []*kvalidate.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
			}
			continue
		}
		failures = append(failures, e)
	}
	if len(failures) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(failures))
		for i, e := range failures {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return nil, nil, fmt.Errorf("%s: validation failed with %d error(s)", path, len(failures))
	}
	lib.Add(sc)
	return sc, lib, nil
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [scenario...]",
	Short: "Validate scenario files (JSON or YAML)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		sc, _, err := loadValid(path)
		if err != nil {
			failed++
			continue
		}
		fmt.Printf("✓ %s is valid (%d steps)\n", sc.Name, len(sc.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed validation", failed, len(args))
	}
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema [scenario|action]",
	Short: "Print the JSON Schema for scenarios or one action's parameters",
	Long: `Print a JSON Schema document.

  sceneflow schema            the scenario document
  sceneflow schema click      parameters of the click action
  sceneflow schema --list     every action name`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchema,
}

var schemaList bool

func runSchema(cmd *cobra.Command, args []string) error {
	if schemaList {
		for _, a := range schema.Actions {
			fmt.Println(a)
		}
		return nil
	}
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "scenario" {
		data, err = schema.GenerateScenarioJSONSchema()
	} else {
		a, ok := schema.ParseAction(args[0])
		if !ok {
			return fmt.Errorf("unknown action %q (see sceneflow schema --list)", args[0])
		}
		data, err = schema.GenerateParamsJSONSchema(a)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// --- describe ---

var describeRaw bool
var describeWidth int

var describeCmd = &cobra.Command{
	Use:   "describe [scenario]",
	Short: "Show a scenario's steps and routes as formatted markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := loadValid(args[0])
		if err != nil {
			return err
		}
		md, err := tui.Describe(sc)
		if err != nil {
			return err
		}
		if describeRaw {
			fmt.Print(md)
			return nil
		}
		fmt.Println(tui.RenderMarkdown(md, describeWidth))
		return nil
	},
}

// --- diagram ---

var diagramFormat string

var diagramCmd = &cobra.Command{
	Use:   "diagram [scenario]",
	Short: "Render a scenario's control flow as Mermaid or ASCII",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := loadValid(args[0])
		if err != nil {
			return err
		}
		out, err := diagram.Generate(sc, diagram.Format(diagramFormat))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaList, "list", false, "List action names")
	describeCmd.Flags().BoolVar(&describeRaw, "raw", false, "Print markdown without terminal styling")
	describeCmd.Flags().IntVar(&describeWidth, "width", 100, "Wrap width")
	diagramCmd.Flags().StringVar(&diagramFormat, "format", string(diagram.FormatMermaid), "Output format: mermaid or ascii")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(diagramCmd)
}
