// Package cmd implements the gateway's cobra CLI surface: serve, version,
// and config validate, mirroring the teacher's cmd package structure (a
// package-level rootCmd, SetVersion/Execute entrypoints called from main).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands, per spec §6 ("Exit codes: 0 normal
// shutdown; 1 startup failure").
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "Aggregate heterogeneous MCP servers behind one MCP endpoint",
	Long: `mcp-gateway fronts a fleet of upstream MCP servers — stdio child
processes and HTTP+SSE servers alike — and re-exposes the union of their
tools and resources as a single MCP endpoint with collision-safe name
prefixing.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the CLI entrypoint called from main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
}
