package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"talkingheads/internal/pipeline"
)

func printSummary(cmd *cobra.Command, summary *pipeline.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, summary)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderJobTable(summary.Jobs, isTerminal(out)))
	fmt.Fprintf(out, "Run:         %s (%s)\n", summary.RunID, summary.Status)
	fmt.Fprintf(out, "Scene:       %s, layout %s, quality %s\n", summary.Scene, summary.Layout, summary.Quality)
	if summary.Output != "" {
		size := ""
		if info, err := os.Stat(summary.Output); err == nil {
			size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
		}
		fmt.Fprintf(out, "Output:      %s%s\n", summary.Output, size)
		fmt.Fprintf(out, "Length:      %s, %d transitions\n", formatSeconds(summary.VideoLength), summary.Transitions)
	}
	fmt.Fprintf(out, "Elapsed:     %s\n", summary.Duration.Round(time.Millisecond))
	if len(summary.Failures) > 0 {
		label := "Failed lines"
		if summary.Partial {
			label = "Skipped lines"
		}
		fmt.Fprintf(out, "%s: %d\n", label, len(summary.Failures))
		for _, f := range summary.Failures {
			fmt.Fprintf(out, "  line %d %s: %s (%s)\n", f.Line, f.Speaker, f.Error, f.FailureKind)
		}
	}
	return nil
}

func renderJobTable(jobs []pipeline.JobSummary, styled bool) string {
	headers := []string{"#", "Line", "Speaker", "State", "Synth", "Render", "Cached", "Length"}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		cached := make([]string, 0, 2)
		if job.AudioCached {
			cached = append(cached, "audio")
		}
		if job.AvatarCached {
			cached = append(cached, "video")
		}
		rows = append(rows, []string{
			strconv.Itoa(job.EventIndex),
			strconv.Itoa(job.Line),
			job.Speaker,
			string(job.State),
			strconv.Itoa(job.SynthAttempts),
			strconv.Itoa(job.RenderAttempts),
			strings.Join(cached, "+"),
			formatSeconds(job.Duration),
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignRight}, styled)
}

func formatSeconds(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs", seconds)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
