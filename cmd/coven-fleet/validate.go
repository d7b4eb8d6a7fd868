// ABOUTME: validate command: parses a config file and reports problems without starting anything
// ABOUTME: Also flags sessions that will fail to start and unparseable persisted schedules

package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/orchestrator"
	"github.com/2389/coven-fleet/internal/schedule"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), getConfigPath(configFlag))
	},
}

func runValidate(w io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}

	warn := color.New(color.FgYellow)
	warnings := 0
	for _, s := range cfg.Sessions {
		if !s.Provider.Configured() {
			warn.Fprintf(w, "warning: ")
			fmt.Fprintf(w, "session %s has no provider model and cannot start\n", s.ID)
			warnings++
		}
		list, err := schedule.ReadFile(filepath.Join(s.Workspace, orchestrator.StateDirName))
		if err != nil {
			warn.Fprintf(w, "warning: ")
			fmt.Fprintf(w, "session %s: %v\n", s.ID, err)
			warnings++
			continue
		}
		for _, sc := range list {
			if sc.Repeating() {
				if _, err := schedule.ParseCron(sc.RepeatCron, loc); err != nil {
					warn.Fprintf(w, "warning: ")
					fmt.Fprintf(w, "session %s schedule %s: %v (it will be dropped on load)\n", s.ID, sc.ID, err)
					warnings++
				}
			}
		}
	}

	color.New(color.FgGreen).Fprint(w, "ok: ")
	fmt.Fprintf(w, "%s (%d sessions, %d organizations, %d warnings)\n", configPath, len(cfg.Sessions), len(cfg.Organizations), warnings)
	return nil
}
