package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"talkingheads/internal/pipeline"
)

type createOptions struct {
	output  string
	scene   string
	layout  string
	quality string
	partial bool
	json    bool
}

func (o createOptions) request(scriptPath string) pipeline.Request {
	return pipeline.Request{
		ScriptPath:    scriptPath,
		SceneID:       o.scene,
		Layout:        o.layout,
		Quality:       o.quality,
		OutputName:    o.output,
		PartialRender: o.partial,
	}
}

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var opts createOptions

	cmd := &cobra.Command{
		Use:   "create <script>",
		Short: "Render a video from a dialogue script",
		Example: `  talkingheads create episode.txt --scene studio --layout switching
  talkingheads create episode.txt -o pilot.mp4 -q fast --partial`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(args[0])
			if path == "" {
				return errors.New("script path is required")
			}
			if err := ctx.checkScript(path); err != nil {
				return err
			}
			env, err := ctx.renderEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			summary, runErr := env.executor.Run(cmd.Context(), opts.request(path))
			if summary != nil {
				if err := printSummary(cmd, summary, opts.json); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output video name or path")
	cmd.Flags().StringVarP(&opts.scene, "scene", "s", "studio", "Background scene")
	cmd.Flags().StringVarP(&opts.layout, "layout", "l", "", "Avatar layout: switching, side_by_side, picture_in_picture, grid (default from config)")
	cmd.Flags().StringVarP(&opts.quality, "quality", "q", "", "Video quality: fastest, fast, medium, high (default from config)")
	cmd.Flags().BoolVar(&opts.partial, "partial", false, "Render the video even when some lines fail")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the run summary as JSON")
	return cmd
}
