// Promptd serves reusable prompts, chains and quality gates to MCP clients.
//
// Usage:
//
//	# Serve over stdio (default)
//	promptd serve
//
//	# Serve streamable HTTP on 127.0.0.1:9191
//	promptd serve --transport http
//
//	# Inspect stored chain runs
//	promptd sessions list
//
//	# Check a resource directory before deploying it
//	promptd validate ./resources
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/promptd/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "promptd",
		Short: "MCP server for prompts, chains and quality gates",
		Long: `promptd exposes a directory of prompt, gate and methodology definitions
to MCP clients through the prompt_engine and system_control tools.

Configuration is read from --config (YAML) and PROMPTD_* environment
variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("PROMPTD_CONFIG"), "path to a YAML config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "promptd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
