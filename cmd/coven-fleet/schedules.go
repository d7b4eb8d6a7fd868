// ABOUTME: schedules command: prints persisted schedules straight from each workspace
// ABOUTME: Works offline, so it can inspect a fleet that is not running

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/orchestrator"
	"github.com/2389/coven-fleet/internal/schedule"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules [session-id]",
	Short: "List persisted schedules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(getConfigPath(configFlag))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		only := ""
		if len(args) == 1 {
			only = args[0]
		}
		return printSchedules(cmd.OutOrStdout(), cfg, only)
	},
}

func printSchedules(w io.Writer, cfg *config.Config, only string) error {
	sessions := cfg.Sessions
	if only != "" {
		s, ok := cfg.Session(only)
		if !ok {
			return fmt.Errorf("%w: %s", orchestrator.ErrUnknownSession, only)
		}
		sessions = []config.SessionConfig{s}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tID\tNEXT RUN\tREPEAT\tENABLED\tMEMO")
	for _, s := range sessions {
		list, err := schedule.ReadFile(filepath.Join(s.Workspace, orchestrator.StateDirName))
		if err != nil {
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
		schedule.SortByNextRun(list)
		for _, sc := range list {
			next := "-"
			if sc.NextRunAt != nil {
				next = sc.NextRunAt.Format(time.RFC3339)
			}
			repeat := sc.RepeatCron
			if repeat == "" {
				repeat = "once"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.ID, sc.ID, next, repeat, sc.Enabled, truncate(sc.Memo, 60))
		}
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
