package commands

import (
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/internal/util"
	"github.com/teranos/meridian/sym"
)

// IdeasCmd groups the work-item bank commands
var IdeasCmd = &cobra.Command{
	Use:   "ideas",
	Short: sym.Bank + " Work-item bank statistics and imports",
	Long: sym.Bank + ` ideas - the work-item bank.

Each short-form slot takes one available item from the next category in
the rotation. When the bank runs low the server asks the backfiller for
more; items can also be imported from a JSON file:

  [{"category": "space", "title": "Why Venus spins backwards"}]

Examples:
  meridian ideas stats
  meridian ideas ls --status available --category space
  meridian ideas import ideas.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var ideasStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-category availability",
	RunE:  runIdeasStats,
}

var ideasLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List work items",
	RunE:  runIdeasLs,
}

var ideasImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Add work items from a JSON array (- reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasImport,
}

var (
	ideasStatus   string
	ideasCategory string
	ideasLimit    int
)

func init() {
	IdeasCmd.PersistentFlags().StringVar(&dbFlag, "db-path", "", "Database path (overrides config)")
	ideasStatsCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	ideasLsCmd.Flags().StringVar(&ideasStatus, "status", "", "Filter by status (available, scheduled, used)")
	ideasLsCmd.Flags().StringVar(&ideasCategory, "category", "", "Filter by category")
	ideasLsCmd.Flags().IntVar(&ideasLimit, "limit", 50, "Maximum number of items")

	IdeasCmd.AddCommand(ideasStatsCmd)
	IdeasCmd.AddCommand(ideasLsCmd)
	IdeasCmd.AddCommand(ideasImportCmd)
}

func runIdeasStats(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	stats, err := ctrl.bank.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	categories := make([]string, 0, len(stats.ByCategory))
	for name := range stats.ByCategory {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	rows := make([][]string, 0, len(categories))
	for _, name := range categories {
		c := stats.ByCategory[name]
		marker := ""
		if name == stats.NextCategory {
			marker = "next"
		}
		rows = append(rows, []string{name, itoa(c.Available), itoa(c.Scheduled), itoa(c.Used), marker})
	}
	if err := renderTable([]string{"CATEGORY", "AVAILABLE", "SCHEDULED", "USED", ""}, rows); err != nil {
		return err
	}
	pterm.Printf("\n%s %d available of %d (%s)\n", sym.Bank, stats.Available, stats.Total, stats.Health)
	return nil
}

func runIdeasLs(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	items, err := ctrl.bank.List(cmd.Context(), ideabank.ListFilter{
		Status:   ideabank.Status(ideasStatus),
		Category: ideasCategory,
		Limit:    ideasLimit,
	})
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{util.ShortID(item.ID), item.Category, string(item.Status), truncate(item.Title, 50)})
	}
	return renderTable([]string{"ID", "CATEGORY", "STATUS", "TITLE"}, rows)
}

func runIdeasImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[0])
		}
		defer f.Close()
		r = f
	}
	drafts, err := parseDrafts(r)
	if err != nil {
		return err
	}

	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	items, err := ctrl.bank.Add(cmd.Context(), drafts...)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Imported %d work item(s)\n", len(items))
	return nil
}

// parseDrafts decodes a JSON array of work items and validates each one
func parseDrafts(r io.Reader) ([]ideabank.Draft, error) {
	var drafts []ideabank.Draft
	if err := json.NewDecoder(r).Decode(&drafts); err != nil {
		return nil, errors.Wrap(err, "expected a JSON array of work items")
	}
	if len(drafts) == 0 {
		return nil, errors.NewInvalidRequestError("no work items to import")
	}
	for i, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "work item %d", i)
		}
	}
	return drafts, nil
}
