package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/sym"
)

// CalendarCmd shows the publication calendar
var CalendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: sym.Ledger + " Show the publication calendar",
	Long: sym.Ledger + ` calendar - every upload attempt, dated in its cadence's timezone.

Examples:
  meridian calendar                  # Most recent entries
  meridian calendar --month 2026-03  # One month`,
	RunE: runCalendar,
}

var (
	calendarMonth string
	calendarLimit int
)

func init() {
	CalendarCmd.Flags().StringVar(&dbFlag, "db-path", "", "Database path (overrides config)")
	CalendarCmd.Flags().StringVar(&calendarMonth, "month", "", "Month to show, YYYY-MM")
	CalendarCmd.Flags().IntVar(&calendarLimit, "limit", 30, "Entries to show without --month")
	CalendarCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
}

// parseMonth parses YYYY-MM
func parseMonth(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return 0, 0, errors.NewInvalidRequestError("month must be YYYY-MM, got %q", s)
	}
	return t.Year(), t.Month(), nil
}

func runCalendar(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var entries []*calendar.Entry
	if calendarMonth != "" {
		year, month, err := parseMonth(calendarMonth)
		if err != nil {
			return err
		}
		entries, err = ctrl.ledger.Month(cmd.Context(), year, month)
		if err != nil {
			return err
		}
	} else {
		entries, err = ctrl.ledger.List(cmd.Context(), calendarLimit)
		if err != nil {
			return err
		}
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		pterm.Printf("%s No calendar entries\n", sym.Ledger)
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.ResultURL
		if e.Status == calendar.StatusFailed {
			detail = pterm.Red(truncate(e.Error, 50))
		}
		rows = append(rows, []string{e.Date, e.Time, e.Kind, e.Category, string(e.Status), truncate(e.Title, 40), detail})
	}
	return renderTable([]string{"DATE", "TIME", "KIND", "CATEGORY", "STATUS", "TITLE", "RESULT"}, rows)
}
