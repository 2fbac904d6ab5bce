// Command sceneflow-mcp serves sceneflow tools to AI agents over MCP (stdio).
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	smcp "github.com/ormasoftchile/sceneflow/pkg/ecosystem/mcp"
)

var version = "dev"

var (
	allowBrowser bool
	headful      bool
)

var rootCmd = &cobra.Command{
	Use:     "sceneflow-mcp",
	Short:   "MCP server exposing sceneflow validate, run, test, schema and list tools",
	Version: version,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := smcp.Options{Version: version, Headless: !headful}
		if allowBrowser {
			l := browser.NewPlaywrightLauncher(false)
			defer l.Close()
			opts.Launcher = l
		}
		return server.ServeStdio(smcp.NewServer(opts))
	},
}

func main() {
	rootCmd.Flags().BoolVar(&allowBrowser, "browser", false, "Allow sceneflow/run without a replay script (launches Playwright)")
	rootCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
