package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
)

// Options configures the MCP server.
type Options struct {
	Version string
	// Launcher serves sceneflow/run calls that do not pass a replay script.
	// When nil such calls are rejected.
	Launcher browser.Launcher
	Headless bool
}

// NewServer creates a new MCP server with sceneflow tools registered.
func NewServer(opts Options) *server.MCPServer {
	s := server.NewMCPServer(
		"sceneflow",
		opts.Version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("sceneflow/validate",
			mcp.WithDescription("Validate a sceneflow scenario file (JSON or YAML)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the scenario file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("sceneflow/run",
			mcp.WithDescription("Run a scenario once. Pass a replay script to run without a live browser"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the scenario file")),
			mcp.WithString("replay", mcp.Description("Path to a replay.yaml script (optional)")),
			mcp.WithString("profile", mcp.Description("Profile name stamped on the run")),
			mcp.WithObject("vars", mcp.Description("Initial profile variables")),
		),
		HandleRun(opts.Launcher, opts.Headless),
	)

	s.AddTool(
		mcp.NewTool("sceneflow/test",
			mcp.WithDescription("Run the replay fixtures of a scenario"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the scenario file")),
			mcp.WithString("fixture", mcp.Description("Run only the named fixture (optional)")),
		),
		HandleTest,
	)

	s.AddTool(
		mcp.NewTool("sceneflow/schema",
			mcp.WithDescription("Export JSON Schema for scenarios or for one action's parameters"),
			mcp.WithString("type", mcp.Required(), mcp.Description("'scenario' or an action name such as 'click'")),
		),
		HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("sceneflow/list",
			mcp.WithDescription("List the scenarios in a library directory"),
			mcp.WithString("dir", mcp.Required(), mcp.Description("Scenario library directory")),
		),
		HandleList,
	)

	return s
}
