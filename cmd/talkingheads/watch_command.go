package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"talkingheads/internal/logging"
	"talkingheads/internal/services"
)

const watchDebounce = 500 * time.Millisecond

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var opts createOptions

	cmd := &cobra.Command{
		Use:   "watch <script>",
		Short: "Re-render a script every time it is saved",
		Long: "Render the script once, then re-render whenever the file changes.\n" +
			"Unchanged lines are served from the artifact cache. Stop with Ctrl-C.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			env, err := ctx.renderEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			render := func() {
				summary, runErr := env.executor.Run(cmd.Context(), opts.request(path))
				if summary != nil {
					_ = printSummary(cmd, summary, opts.json)
				}
				if runErr != nil && services.KindOf(runErr) != services.KindCancelled {
					fmt.Fprintln(cmd.ErrOrStderr(), "Error:", runErr)
				}
			}
			return watchFile(cmd.Context(), path, render, func(err error) {
				logger.Warn("script watcher error",
					logging.Error(err),
					logging.String(logging.FieldEventType, "watch_error"),
				)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output video name or path")
	cmd.Flags().StringVarP(&opts.scene, "scene", "s", "studio", "Background scene")
	cmd.Flags().StringVarP(&opts.layout, "layout", "l", "", "Avatar layout (default from config)")
	cmd.Flags().StringVarP(&opts.quality, "quality", "q", "", "Video quality (default from config)")
	cmd.Flags().BoolVar(&opts.partial, "partial", false, "Render the video even when some lines fail")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print each run summary as JSON")
	return cmd
}

// watchFile calls render once, then again after every burst of writes to
// path. Editors that replace the file on save are handled by watching the
// parent directory.
func watchFile(ctx context.Context, path string, render func(), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	render()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(err)
		case <-pending:
			pending = nil
			render()
		}
	}
}
