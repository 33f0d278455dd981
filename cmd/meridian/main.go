package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/meridian/cmd/meridian/commands"
	"github.com/teranos/meridian/logger"
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "meridian - automated content publishing",
	Long: `meridian - automated content publishing.

meridian keeps two publishing cadences running unattended: short-form
uploads at fixed daily slots, and long-form uploads whenever the committed
buffer runs low. Every upload runs as a job with live progress.

Available commands:
  server      - Start the schedulers, the executor and the HTTP control surface
  am          - Manage meridian configuration ("I am")
  autopublish - Inspect or toggle the short-form slot cadence
  longform    - Inspect the long-form buffer and rotation
  jobs        - List, inspect and clear jobs
  ideas       - Work-item bank statistics and imports
  calendar    - Show the publication calendar

Examples:
  meridian server -v             # Start with info logging
  meridian am show               # Show current configuration
  meridian autopublish status    # Slot cadence state
  meridian jobs ls --status failed`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.AutopublishCmd)
	rootCmd.AddCommand(commands.LongformCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.IdeasCmd)
	rootCmd.AddCommand(commands.CalendarCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
