package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"talkingheads/internal/persona"
	"talkingheads/internal/scene"
)

func newListPersonasCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list-personas",
		Short: "List configured personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.personas()
			if err != nil {
				return err
			}
			profiles := make([]persona.Profile, 0, len(registry))
			for _, id := range registry.IDs() {
				profiles = append(profiles, registry[id])
			}
			if asJSON {
				return writeJSON(cmd, profiles)
			}
			rows := make([][]string, 0, len(profiles))
			for _, p := range profiles {
				rows = append(rows, []string{p.ID, p.DisplayName, p.VoiceID, p.AvatarID, p.Style, p.Description})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"ID", "Name", "Voice", "Avatar", "Style", "Description"}, rows, nil, isTerminal(out)))
			fmt.Fprintf(out, "Registry: %s\n", ctx.configValue().Registry.Personas)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print personas as JSON")
	return cmd
}

func newListScenesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list-scenes",
		Short: "List available background scenes",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.scenes()
			if err != nil {
				return err
			}
			scenes := make([]scene.Scene, 0, len(registry))
			for _, id := range registry.IDs() {
				scenes = append(scenes, registry[id])
			}
			if asJSON {
				return writeJSON(cmd, scenes)
			}
			rows := make([][]string, 0, len(scenes))
			for _, sc := range scenes {
				background := sc.Color
				if sc.HasAsset() {
					background = sc.Background
				}
				rows = append(rows, []string{sc.ID, sc.Description, background})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"ID", "Description", "Background"}, rows, nil, isTerminal(out)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print scenes as JSON")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "The Talking Heads v%s\n", version)
		},
	}
}
