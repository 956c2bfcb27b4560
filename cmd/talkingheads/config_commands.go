package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"talkingheads/internal/config"
	"talkingheads/internal/preflight"
	"talkingheads/internal/services"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set api.elevenlabs.api_key and api.did.api_key (or export ELEVENLABS_API_KEY and DID_API_KEY) before rendering.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: "Validate the configuration file and registries.\n" +
			"With --check, also verify directories, external binaries, and API credentials.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
			if _, err := os.Stat(ctx.configPath); err != nil {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			if _, err := ctx.personas(); err != nil {
				return fmt.Errorf("persona registry: %w", err)
			}
			if _, err := ctx.scenes(); err != nil {
				return fmt.Errorf("scene registry: %w", err)
			}
			if check {
				if err := runPreflight(cmd.Context(), cmd, cfg); err != nil {
					return err
				}
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Run directory, binary, and API credential checks")
	return cmd
}

func runPreflight(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	results := preflight.RunAll(ctx, cfg, &http.Client{Timeout: 15 * time.Second})
	for _, status := range preflight.CheckSystemDeps(cfg) {
		results = append(results, preflight.Result{Name: status.Name, Passed: status.Available || status.Optional, Detail: status.Detail})
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Name, yesNo(r.Passed), r.Detail})
	}
	fmt.Fprintln(out, renderTable([]string{"Check", "Passed", "Detail"}, rows, nil, isTerminal(out)))
	if failed := preflight.Failed(results); len(failed) > 0 {
		return fmt.Errorf("%d preflight checks failed", len(failed))
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return services.Wrap(services.ErrConfiguration, "cli", "credentials", "", err)
	}
	return nil
}
