package commands

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/sym"
)

// AutopublishCmd groups the short-form slot cadence commands
var AutopublishCmd = &cobra.Command{
	Use:   "autopublish",
	Short: sym.Slot + " Inspect or toggle the short-form slot cadence",
	Long: sym.Slot + ` autopublish - short-form slot cadence.

Short-form uploads run at fixed local times (autopublish.slots in
autopublish.timezone). Each slot runs at most once; a slot missed by more
than window_after_minutes is skipped, never made up.

The toggle is persisted in the database, so a running server follows a
change made here on its next poll.

Examples:
  meridian autopublish status
  meridian autopublish toggle off
  meridian autopublish schedule -n 10
  meridian autopublish backfill`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var autopublishStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the toggle, slots, recent runs and bank health",
	RunE:  runAutopublishStatus,
}

var autopublishToggleCmd = &cobra.Command{
	Use:       "toggle [on|off]",
	Short:     "Enable, disable or flip autopublish",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runAutopublishToggle,
}

var autopublishScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "List the upcoming slots",
	RunE:  runAutopublishSchedule,
}

var autopublishBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ask the backfiller for new work items now",
	RunE:  runAutopublishBackfill,
}

var (
	dbFlag       string
	jsonFlag     bool
	scheduleSize int
)

func init() {
	AutopublishCmd.PersistentFlags().StringVar(&dbFlag, "db-path", "", "Database path (overrides config)")
	autopublishStatusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	autopublishScheduleCmd.Flags().IntVarP(&scheduleSize, "count", "n", 6, "Number of upcoming slots")

	AutopublishCmd.AddCommand(autopublishStatusCmd)
	AutopublishCmd.AddCommand(autopublishToggleCmd)
	AutopublishCmd.AddCommand(autopublishScheduleCmd)
	AutopublishCmd.AddCommand(autopublishBackfillCmd)
}

func runAutopublishStatus(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx := cmd.Context()
	slots, err := ctrl.slotTicker(ctx)
	if err != nil {
		return err
	}
	defer slots.Stop()

	status, err := slots.Status(ctx)
	if err != nil {
		return err
	}
	ideas, err := ctrl.bank.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"slots": status, "ideas": ideas})
	}

	state := pterm.Red("disabled")
	if status.Enabled {
		state = pterm.Green("enabled")
	}
	pterm.Printf("%s Autopublish %s\n", sym.Slot, state)
	pterm.Printf("  Slots:   %s (%s)\n", strings.Join(status.Slots, ", "), status.Timezone)
	pterm.Printf("  Window:  -%dm / +%dm\n", status.WindowBefore, status.WindowAfter)
	pterm.Printf("  Bank:    %d available, %d scheduled, %d used (%s)\n",
		ideas.Available, ideas.Scheduled, ideas.Used, ideas.Health)
	if ideas.NextCategory != "" {
		pterm.Printf("  Next:    %s\n", ideas.NextCategory)
	}

	if len(status.RecentSlots) > 0 {
		pterm.Println()
		rows := make([][]string, 0, len(status.RecentSlots))
		for _, s := range status.RecentSlots {
			marked := s.MarkedAt
			rows = append(rows, []string{s.Key, s.JobID, formatTime(&marked)})
		}
		return renderTable([]string{"SLOT", "JOB", "DISPATCHED"}, rows)
	}
	return nil
}

func runAutopublishToggle(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx := cmd.Context()
	slots, err := ctrl.slotTicker(ctx)
	if err != nil {
		return err
	}
	defer slots.Stop()

	enabled, err := applyToggle(ctx, slots, args)
	if err != nil {
		return err
	}
	if enabled {
		pterm.Success.Println("Autopublish enabled")
	} else {
		pterm.Warning.Println("Autopublish disabled")
	}
	return nil
}

// toggler is the durable on/off switch of a cadence
type toggler interface {
	SetEnabled(ctx context.Context, enabled bool) error
	Toggle(ctx context.Context) (bool, error)
}

// applyToggle sets the switch from an optional on|off argument, flipping it without one
func applyToggle(ctx context.Context, target toggler, args []string) (bool, error) {
	switch {
	case len(args) == 0:
		return target.Toggle(ctx)
	case args[0] == "on":
		return true, target.SetEnabled(ctx, true)
	case args[0] == "off":
		return false, target.SetEnabled(ctx, false)
	default:
		return false, errors.NewInvalidRequestError("expected on or off, got %q", args[0])
	}
}

func runAutopublishSchedule(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	slots, err := ctrl.slotTicker(cmd.Context())
	if err != nil {
		return err
	}
	defer slots.Stop()

	upcoming := slots.NextSlots(scheduleSize)
	rows := make([][]string, 0, len(upcoming))
	for _, s := range upcoming {
		rows = append(rows, []string{s.Key, s.Weekday, s.Local.Format(timeLayout), s.UTC.Format(timeLayout)})
	}
	return renderTable([]string{"SLOT", "DAY", "LOCAL", "UTC"}, rows)
}

func runAutopublishBackfill(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	slots, err := ctrl.slotTicker(cmd.Context())
	if err != nil {
		return err
	}
	defer slots.Stop()

	added, err := slots.Backfill(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.Printf("Added %d work items\n", added)
	return nil
}
