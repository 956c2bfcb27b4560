package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"talkingheads/internal/logs"
	"talkingheads/internal/store"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	runsCmd.AddCommand(newRunsLogsCommand(ctx))
	runsCmd.AddCommand(newRunsPruneCommand(ctx))
	return runsCmd
}

type runView struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Script       string  `json:"script,omitempty"`
	Scene        string  `json:"scene"`
	Layout       string  `json:"layout"`
	Quality      string  `json:"quality"`
	Events       int     `json:"events"`
	Failed       int     `json:"failed"`
	Partial      bool    `json:"partial"`
	Output       string  `json:"output,omitempty"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	ErrorMessage string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at"`
	Elapsed      float64 `json:"elapsed_seconds"`
}

func viewRun(run store.Run) runView {
	return runView{
		ID:           run.ID,
		Status:       string(run.Status),
		Script:       run.ScriptPath,
		Scene:        run.Scene,
		Layout:       run.Layout,
		Quality:      run.Quality,
		Events:       run.EventCount,
		Failed:       run.FailedCount,
		Partial:      run.Partial,
		Output:       run.OutputPath,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt.Format(time.RFC3339),
		Elapsed:      run.Elapsed().Seconds(),
	}
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := ctx.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]runView, 0, len(runs))
				for _, run := range runs {
					views = append(views, viewRun(run))
				}
				return writeJSON(cmd, views)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					shortRunID(run.ID),
					string(run.Status),
					humanize.Time(run.CreatedAt),
					strconv.Itoa(run.EventCount),
					strconv.Itoa(run.FailedCount),
					run.OutputPath,
				})
			}
			headers := []string{"Run", "Status", "Started", "Lines", "Failed", "Output"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns, isTerminal(out)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its per-line jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := ctx.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer ledger.Close()

			run, err := ledger.GetRun(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			jobs, err := ledger.ListJobs(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, struct {
					Run  runView     `json:"run"`
					Jobs []store.Job `json:"jobs"`
				}{viewRun(*run), jobs})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Status:  %s (partial: %s)\n", run.Status, yesNo(run.Partial))
			fmt.Fprintf(out, "Script:  %s\n", run.ScriptPath)
			fmt.Fprintf(out, "Scene:   %s, layout %s, quality %s\n", run.Scene, run.Layout, run.Quality)
			fmt.Fprintf(out, "Started: %s (%s)\n", run.CreatedAt.Local().Format(time.DateTime), humanize.Time(run.CreatedAt))
			fmt.Fprintf(out, "Elapsed: %s\n", run.Elapsed().Round(time.Second))
			if run.OutputPath != "" {
				fmt.Fprintf(out, "Output:  %s\n", run.OutputPath)
			}
			if run.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:   %s (%s)\n", run.ErrorMessage, run.ErrorKind)
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					strconv.Itoa(job.EventIndex),
					strconv.Itoa(job.Line),
					job.Speaker,
					job.State,
					strconv.Itoa(job.SynthAttempts),
					strconv.Itoa(job.RenderAttempts),
					job.ErrorMessage,
				})
			}
			headers := []string{"#", "Line", "Speaker", "State", "Synth", "Render", "Error"}
			aligns := []columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns, isTerminal(out)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON")
	return cmd
}

func newRunsLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the JSON log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ledger, err := ctx.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer ledger.Close()

			run, err := ledger.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path := logs.Path(cfg.Storage.StateDir, run.ID)
			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			if !follow || run.Status.Terminal() {
				return nil
			}
			finished := func() bool {
				current, err := ledger.GetRun(cmd.Context(), run.ID)
				return err != nil || current.Status.Terminal()
			}
			return logs.Follow(cmd.Context(), path, offset, 0, func(line string) {
				fmt.Fprintln(out, line)
			}, finished)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing until the run finishes")
	return cmd
}

func newRunsPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			ledger, err := ctx.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer ledger.Close()

			n, err := ledger.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of runs to delete")
	return cmd
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
