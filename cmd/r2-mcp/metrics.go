package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BypasserThe/radare2-mcp/internal/metrics"
	"github.com/BypasserThe/radare2-mcp/internal/tools"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Analyze usage metrics",
	Long:  `Summarize requests and tool calls recorded in the metrics log.`,
	RunE:  runMetrics,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(tools.Catalog(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var (
	metricsSince   string
	metricsFailing bool
	metricsJSON    bool
)

func init() {
	metricsCmd.Flags().StringVar(&metricsSince, "last", "7d", "Time period (e.g., 1h, 24h, 7d, 30d)")
	metricsCmd.Flags().BoolVar(&metricsFailing, "failing", false, "Show only tools whose calls failed")
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	duration, err := parseDuration(metricsSince)
	if err != nil {
		return fmt.Errorf("invalid time period: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfg.Metrics.Path); os.IsNotExist(err) {
		fmt.Fprintln(out, "No metrics data found. Tool calls are recorded while the server runs.")
		return nil
	}

	analyzer := metrics.NewAnalyzer(cfg.Metrics.Path)

	if metricsFailing {
		failing, err := analyzer.FailingTools(duration)
		if err != nil {
			return err
		}

		if metricsJSON {
			data, _ := json.MarshalIndent(failing, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintf(out, "Failing tools (last %s):\n\n", metricsSince)
		if len(failing) == 0 {
			fmt.Fprintln(out, "  No failed tool calls.")
		}
		for _, f := range failing {
			fmt.Fprintf(out, "  - %s (%d failures)\n", f.Tool, f.Count)
		}
		return nil
	}

	summary, err := analyzer.Analyze(duration)
	if err != nil {
		return err
	}

	if metricsJSON {
		data, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Metrics Summary (last %s):\n\n", metricsSince)
	fmt.Fprintf(out, "  Requests:          %d (%d failed)\n", summary.TotalRequests, summary.FailedRequests)
	fmt.Fprintf(out, "  Tool calls:        %d (%d errors)\n", summary.TotalToolCalls, summary.ToolErrors)
	fmt.Fprintf(out, "  Avg tool latency:  %dms\n", summary.AvgToolLatencyMs)
	fmt.Fprintln(out)
	if len(summary.RequestsByMethod) > 0 {
		fmt.Fprintln(out, "  Requests by method:")
		for m, c := range summary.RequestsByMethod {
			fmt.Fprintf(out, "    - %s: %d\n", m, c)
		}
		fmt.Fprintln(out)
	}
	if len(summary.TopTools) > 0 {
		fmt.Fprintln(out, "  Top tools:")
		for _, t := range summary.TopTools {
			fmt.Fprintf(out, "    - %s (%d calls)\n", t.Tool, t.Count)
		}
	}

	return nil
}

func parseDuration(s string) (time.Duration, error) {
	// Handle day suffix
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var d int
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &d); err == nil {
			return time.Duration(d) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
