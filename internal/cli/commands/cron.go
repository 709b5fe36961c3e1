package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/config"
)

// NewCronCommand creates the cron inspection subcommand, a read-only
// view over the cron directory the daemon schedules from.
func NewCronCommand() *cobra.Command {
	var cronDir string

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron definitions",
		Long:  `List or show the cron definitions the daemon would load from its configured cron directory.`,
	}
	cmd.PersistentFlags().StringVar(&cronDir, "cron-dir", "", "cron definition directory (default: from config file, or the state dir's crons.d)")

	cmd.AddCommand(newCronListCommand(&cronDir))
	cmd.AddCommand(newCronShowCommand(&cronDir))
	return cmd
}

func resolveCronDir(cronDir string) string {
	if cronDir != "" {
		return cronDir
	}
	if cfg, err := config.Load(); err == nil && cfg.CronDir != "" {
		return cfg.CronDir
	}
	return config.DefaultCronDir()
}

func newCronListCommand(cronDir *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List cron names and their schedule",
		Example: `  saltpeterd cron list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(resolveCronDir(*cronDir))
			snap, bad, _, err := loader.Load()
			if err != nil {
				return fmt.Errorf("loading cron directory: %w", err)
			}

			names := make([]string, 0, len(snap.Crons))
			for n := range snap.Crons {
				names = append(names, n)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, n := range names {
				d := snap.Crons[n]
				fmt.Fprintf(out, "%-24s %s %s %s %s %s %s  %s\n", n, d.Sec, d.Min, d.Hour, d.Dom, d.Mon, d.Dow, d.Command)
			}
			for n, reason := range bad {
				fmt.Fprintf(cmd.ErrOrStderr(), "%-24s invalid: %v\n", n, reason)
			}
			return nil
		},
	}
}

func newCronShowCommand(cronDir *string) *cobra.Command {
	return &cobra.Command{
		Use:     "show <name>",
		Short:   "Show one cron definition in full",
		Args:    cobra.ExactArgs(1),
		Example: `  saltpeterd cron show nightly-backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(resolveCronDir(*cronDir))
			snap, bad, _, err := loader.Load()
			if err != nil {
				return fmt.Errorf("loading cron directory: %w", err)
			}

			name := args[0]
			if reason, ok := bad[name]; ok {
				return fmt.Errorf("%s: %w", name, reason)
			}
			d, ok := snap.Crons[name]
			if !ok {
				return fmt.Errorf("no such cron: %s", name)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:              %s\n", name)
			fmt.Fprintf(out, "schedule:          sec=%s min=%s hour=%s dom=%s mon=%s dow=%s year=%s\n", d.Sec, d.Min, d.Hour, d.Dom, d.Mon, d.Dow, d.Year)
			fmt.Fprintf(out, "command:           %s\n", d.Command)
			fmt.Fprintf(out, "cwd:               %s\n", d.Cwd)
			fmt.Fprintf(out, "user:              %s\n", d.User)
			fmt.Fprintf(out, "targets:           %v (%s, n=%d)\n", d.Targets, d.TargetType, d.NumberOfTargets)
			fmt.Fprintf(out, "soft/hard timeout: %d/%d\n", d.SoftTimeout, d.HardTimeout)
			fmt.Fprintf(out, "group:             %s\n", d.Group)
			return nil
		},
	}
}
