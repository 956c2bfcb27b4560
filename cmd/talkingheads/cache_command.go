package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the artifact cache",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts, err := ctx.openCache()
			if err != nil {
				return err
			}
			stats, err := artifacts.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, stats)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache:   %s\n", stats.Root)
			limit := "unlimited"
			if stats.MaxBytes > 0 {
				limit = humanize.Bytes(uint64(stats.MaxBytes))
			}
			fmt.Fprintf(out, "Usage:   %s in %d entries (limit %s)\n", humanize.Bytes(uint64(stats.TotalBytes)), stats.Entries, limit)
			if stats.TotalFSBytes > 0 {
				fmt.Fprintf(out, "Disk:    %s free of %s (%.0f%%)\n", humanize.Bytes(stats.FreeBytes), humanize.Bytes(stats.TotalFSBytes), stats.FreeRatio*100)
			}
			if len(stats.Stages) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(stats.Stages))
			for _, st := range stats.Stages {
				rows = append(rows, []string{
					st.Stage,
					strconv.Itoa(st.Entries),
					humanize.Bytes(uint64(st.TotalBytes)),
					humanize.Time(st.Newest),
				})
			}
			aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignLeft}
			fmt.Fprintln(out, renderTable([]string{"Stage", "Entries", "Size", "Last used"}, rows, aligns, isTerminal(out)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stats as JSON")
	return cmd
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var maxSize string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used artifacts down to a size",
		Long: "Evict least recently used artifacts until the cache fits the limit.\n" +
			"Waits for running renders to finish before touching the cache.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			limit := cfg.CacheMaxBytes()
			if maxSize != "" {
				parsed, err := humanize.ParseBytes(maxSize)
				if err != nil {
					return fmt.Errorf("parse --max %q: %w", maxSize, err)
				}
				limit = int64(parsed)
			}
			artifacts, err := ctx.openCache()
			if err != nil {
				return err
			}
			release, err := artifacts.LockExclusive(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			res, err := artifacts.Prune(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%s), %d remain (%s)\n",
				res.Removed, humanize.Bytes(uint64(res.FreedBytes)), res.Remaining, humanize.Bytes(uint64(res.RemainingBytes)))
			if res.StaleTemps > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d stale temporary files\n", res.StaleTemps)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&maxSize, "max", "", "Target cache size, e.g. 5GiB (default from storage.cache_max_gib)")
	return cmd
}
