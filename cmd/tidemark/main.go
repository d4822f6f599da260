package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/cmd/tidemark/commands"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/sym"
)

var rootCmd = &cobra.Command{
	Use:   "tidemark",
	Short: sym.Tide + " Tidemark - market data ingestion orchestrator",
	Long: sym.Tide + ` Tidemark keeps local OHLCV history fresh.

It schedules a daily ingestion run over the symbol registry, fetches
candles from the upstream data service through a resilience stack
(retry, circuit breaker, rate limit, bulkhead), records per-unit
progress, and alerts on units that keep failing.

Examples:
  tidemark serve                    # Start the scheduler and API server
  tidemark trigger                  # Kick off a manual run
  tidemark trigger --symbols AAPL   # Manual run for one symbol
  tidemark status                   # Show health and last run
  tidemark symbols ls               # List the registry`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to tidemark.toml (default: search upward from cwd)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.SymbolsCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
