package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/sym"
)

// LongformCmd groups the long-form buffer commands
var LongformCmd = &cobra.Command{
	Use:   "longform",
	Short: sym.Buffer + " Inspect the long-form buffer and rotation",
	Long: sym.Buffer + ` longform - buffer-lookahead cadence.

The buffer is the number of days from today to the latest committed
long-form upload. When it drops below longform.buffer_threshold_days the
server generates the next item of the category/duration/track rotation.

The toggle is persisted in the database; longform.enabled only sets its
value until the first toggle. A running server follows a change made here
on its next poll.

Examples:
  meridian longform status
  meridian longform toggle on
  meridian longform preview
  meridian longform reset`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var longformStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the buffer, counters and next planned item",
	RunE:  runLongformStatus,
}

var longformToggleCmd = &cobra.Command{
	Use:       "toggle [on|off]",
	Short:     "Enable, disable or flip the long-form cadence",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runLongformToggle,
}

var longformPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the next rotation step without advancing it",
	RunE:  runLongformPreview,
}

var longformResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rewind the rotation and zero the counters",
	RunE:  runLongformReset,
}

func init() {
	LongformCmd.PersistentFlags().StringVar(&dbFlag, "db-path", "", "Database path (overrides config)")
	longformStatusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")

	LongformCmd.AddCommand(longformStatusCmd)
	LongformCmd.AddCommand(longformToggleCmd)
	LongformCmd.AddCommand(longformPreviewCmd)
	LongformCmd.AddCommand(longformResetCmd)
}

func runLongformStatus(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	buffer, err := ctrl.bufferTicker(cmd.Context())
	if err != nil {
		return err
	}
	defer buffer.Stop()

	status, err := buffer.Status(cmd.Context())
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), status)
	}

	health := pterm.Green(fmt.Sprintf("%d days", status.BufferDays))
	if status.BufferDays < status.ThresholdDays {
		health = pterm.Yellow(fmt.Sprintf("%d days (below %d)", status.BufferDays, status.ThresholdDays))
	}
	enabled := pterm.Green("enabled")
	if !status.Enabled {
		enabled = pterm.Red("disabled")
	}
	pterm.Printf("%s Long-form %s\n", sym.Buffer, enabled)
	pterm.Printf("  Buffer:          %s\n", health)
	pterm.Printf("  Latest commit:   %s\n", formatTime(status.LatestDate))
	pterm.Printf("  Generated:       %d\n", status.TotalGenerated)
	pterm.Printf("  Last generated:  %s\n", formatTime(status.LastGenerated))
	pterm.Printf("  Last published:  %s\n", formatTime(status.LastPublished))
	if status.Next != nil {
		pterm.Printf("  Next:            %s, %ds, %s, publish %s\n",
			status.Next.Category, status.Next.DurationSeconds, status.Next.Track,
			status.Next.PublishAt.Format(timeLayout))
	}
	return nil
}

func runLongformToggle(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx := cmd.Context()
	buffer, err := ctrl.bufferTicker(ctx)
	if err != nil {
		return err
	}
	defer buffer.Stop()

	enabled, err := applyToggle(ctx, buffer, args)
	if err != nil {
		return err
	}
	if enabled {
		pterm.Success.Println("Long-form cadence enabled")
	} else {
		pterm.Warning.Println("Long-form cadence disabled")
	}
	return nil
}

func runLongformPreview(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	buffer, err := ctrl.bufferTicker(cmd.Context())
	if err != nil {
		return err
	}
	defer buffer.Stop()

	plan, err := buffer.Preview(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), plan)
}

func runLongformReset(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	buffer, err := ctrl.bufferTicker(cmd.Context())
	if err != nil {
		return err
	}
	defer buffer.Stop()

	if err := buffer.Reset(cmd.Context()); err != nil {
		return err
	}
	pterm.Success.Println("Long-form rotation reset")
	return nil
}
