// cmd/r2-mcp/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "r2-mcp",
	Short: "MCP server for radare2",
	Long: `An MCP (Model Context Protocol) server that exposes radare2 binary analysis
as tools over stdin/stdout. Run without a subcommand to serve.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "r2-mcp v%s\n", version)
	},
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (defaults to ~/.config/r2-mcp/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
