package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/engine"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/replay"
	kschema "github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
	ktesting "github.com/ormasoftchile/sceneflow/pkg/kernel/testing"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
	kvalidate "github.com/ormasoftchile/sceneflow/pkg/kernel/validate"
)

// HandleValidate implements the sceneflow/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	lib, _ := kschema.OpenLibrary(filepath.Dir(path))
	sc, errs := kvalidate.ValidateFile(path, lib)
	if kvalidate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	msg := fmt.Sprintf("✓ %s is valid (%d steps)", sc.Name, len(sc.Steps))
	if warnings := formatWarnings(errs); warnings != "" {
		msg += "\nwarnings: " + warnings
	}
	return textResult(msg), nil
}

// HandleSchema implements the sceneflow/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	schemaType, _ := args["type"].(string)

	var data []byte
	var err error
	if schemaType == "scenario" {
		data, err = kschema.GenerateScenarioJSONSchema()
	} else if a, ok := kschema.ParseAction(schemaType); ok {
		data, err = kschema.GenerateParamsJSONSchema(a)
	} else {
		return errorResult(fmt.Sprintf("unknown schema type %q: use 'scenario' or an action name", schemaType)), nil
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleRun returns the sceneflow/run MCP tool. Runs without a replay
// script use launcher.
func HandleRun(launcher browser.Launcher, headless bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		path, _ := args["path"].(string)
		if path == "" {
			return errorResult("path argument is required"), nil
		}
		lib, err := kschema.OpenLibrary(filepath.Dir(path))
		if err != nil {
			return errorResult(err.Error()), nil
		}
		sc, errs := kvalidate.ValidateFile(path, lib)
		if kvalidate.HasErrors(errs) {
			return errorResult(formatErrors(errs)), nil
		}
		lib.Add(sc)

		profile, _ := args["profile"].(string)
		if profile == "" {
			profile = "mcp"
		}
		vars := make(map[string]string)
		cfg := engine.Config{
			RunID:   "mcp-" + uuid.NewString(),
			Profile: profile,
			Library: lib,
			Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		}
		if scriptPath, _ := args["replay"].(string); scriptPath != "" {
			script, err := replay.LoadScript(scriptPath)
			if err != nil {
				return errorResult(err.Error()), nil
			}
			for k, v := range script.Vars {
				vars[k] = v
			}
			cfg.Driver = replay.NewDriver(script)
		} else if launcher != nil {
			cfg.Launcher = launcher
			cfg.Launch = browser.LaunchOptions{Profile: profile, Headless: headless}
		} else {
			return errorResult("no browser configured: pass a replay script"), nil
		}
		if rawVars, ok := args["vars"].(map[string]any); ok {
			for k, v := range rawVars {
				vars[k] = fmt.Sprint(v)
			}
		}
		cfg.Vars = vars

		var events bytes.Buffer
		cfg.Trace = trace.NewWriter(&events, cfg.RunID)
		result := engine.Execute(ctx, sc, cfg)

		response := map[string]any{
			"run_id":   result.RunID,
			"status":   result.Status,
			"reason":   result.Reason,
			"visited":  result.Visited,
			"vars":     result.Vars,
			"duration": result.Duration.Round(time.Millisecond).String(),
		}
		if result.Err != nil {
			response["error"] = result.Err.Error()
		}
		data, _ := json.MarshalIndent(response, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(data))},
			IsError: result.Status == engine.StatusFailed,
		}, nil
	}
}

// HandleTest implements the sceneflow/test MCP tool.
func HandleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	fixture, _ := args["fixture"].(string)

	runner := &ktesting.Runner{Timeout: 30 * time.Second}

	var output *ktesting.TestOutput
	if fixture != "" {
		result, err := runner.RunFixture(path, fixture)
		if err != nil {
			return errorResult(fmt.Sprintf("run fixture: %s", err)), nil
		}
		output = &ktesting.TestOutput{
			Scenario: result.ScenarioName,
			Fixtures: []ktesting.TestResult{*result},
			Summary:  ktesting.TestSummary{Total: 1},
		}
		switch result.Status {
		case "passed":
			output.Summary.Passed = 1
		case "failed":
			output.Summary.Failed = 1
		case "skipped":
			output.Summary.Skipped = 1
		default:
			output.Summary.Errors = 1
		}
	} else {
		var err error
		output, err = runner.RunAll(path)
		if err != nil {
			return errorResult(fmt.Sprintf("run tests: %s", err)), nil
		}
	}

	data, _ := json.MarshalIndent(output, "", "  ")
	isErr := output.Summary.Failed > 0 || output.Summary.Errors > 0
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isErr,
	}, nil
}

// HandleList implements the sceneflow/list MCP tool.
func HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	dir, _ := args["dir"].(string)
	if dir == "" {
		return errorResult("dir argument is required"), nil
	}
	lib, err := kschema.OpenLibrary(dir)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
		Error       string `json:"error,omitempty"`
	}
	var entries []entry
	for _, name := range lib.Names() {
		sc, err := lib.Get(name)
		if err != nil {
			entries = append(entries, entry{Name: name, Error: err.Error()})
			continue
		}
		entries = append(entries, entry{Name: sc.Name, Description: sc.Description, Steps: len(sc.Steps)})
	}
	data, _ := json.MarshalIndent(entries, "", "  ")
	return textResult(string(data)), nil
}

func formatErrors(errs []*kvalidate.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func formatWarnings(errs []*kvalidate.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "warning" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
