package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/internal/util"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/sym"
)

// JobsCmd groups the job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " List, inspect and clear jobs",
	Long: sym.Pulse + ` jobs - every generation-and-publish attempt.

Retry and cancel only change the stored job; a running server's executor
picks retried jobs up on its next poll.

Examples:
  meridian jobs ls                       # Most recent jobs
  meridian jobs ls --status failed       # Only failed jobs
  meridian jobs show <id>                # One job as JSON
  meridian jobs retry <id>               # Requeue a failed job
  meridian jobs clear                    # Delete every finished job
  meridian jobs prune --older-than 30d   # Delete finished jobs idle for 30 days`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsTransition(cmd, args[0], async.Retry(), "requeued")
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsTransition(cmd, args[0], async.Cancel(), "cancelled")
	},
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every completed, failed and cancelled job",
	RunE:  runJobsClear,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs not updated within --older-than",
	RunE:  runJobsPrune,
}

var (
	jobsOlderThan string
	jobsStatus    string
	jobsKind      string
	jobsLimit     int
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&dbFlag, "db-path", "", "Database path (overrides config)")
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Comma-separated statuses (pending, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().StringVar(&jobsKind, "kind", "", "Filter by kind (short, long)")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to display")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsClearCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
	jobsPruneCmd.Flags().StringVar(&jobsOlderThan, "older-than", "30d", "Minimum age since last update (e.g. 36h, 30d)")
}

// parseStatuses validates a comma-separated status list
func parseStatuses(raw string) ([]async.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []async.JobStatus
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if !async.IsValidStatus(s) {
			return nil, errors.NewInvalidRequestError("unknown status: %s", s)
		}
		out = append(out, async.JobStatus(s))
	}
	return out, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(jobsStatus)
	if err != nil {
		return err
	}

	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	jobs, err := ctrl.queue.List(cmd.Context(), async.ListFilter{
		Statuses: statuses,
		Kind:     jobsKind,
		Limit:    jobsLimit,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Printf("%s No jobs found\n", sym.Pulse)
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		created := job.CreatedAt
		rows = append(rows, []string{
			util.ShortID(job.ID),
			job.Kind,
			colorStatus(job.Status),
			fmt.Sprintf("%3d%%", job.Progress),
			job.Category,
			truncate(job.Message, 40),
			formatTime(&created),
		})
	}
	if err := renderTable([]string{"JOB ID", "KIND", "STATUS", "PROGRESS", "CATEGORY", "MESSAGE", "CREATED"}, rows); err != nil {
		return err
	}
	pterm.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func colorStatus(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.Green(string(s))
	case async.JobStatusFailed:
		return pterm.Red(string(s))
	case async.JobStatusRunning:
		return pterm.Cyan(string(s))
	default:
		return string(s)
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	job, err := ctrl.queue.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func runJobsTransition(cmd *cobra.Command, id string, t async.Transition, verb string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	job, err := ctrl.queue.Transition(cmd.Context(), id, t)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s %s (%s)\n", job.ID, verb, job.Status)
	return nil
}

func runJobsClear(cmd *cobra.Command, args []string) error {
	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ids, err := ctrl.queue.ClearTerminal(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.Printf("Cleared %d job(s)\n", len(ids))
	return nil
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	age, err := util.ParseAge(jobsOlderThan)
	if err != nil {
		return err
	}

	ctrl, err := openControl(dbFlag)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ids, err := ctrl.queue.Prune(cmd.Context(), age)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Pruned %d job(s) older than %s\n", len(ids), jobsOlderThan)
	return nil
}
