// Package cli provides the command-line interface for saltpeterd.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/cli/commands"
	"github.com/syscollective/saltpeter/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "saltpeterd",
	Short: "saltpeterd - distributed wall-clock cron",
	Long: `saltpeterd schedules cron jobs across a fleet of machines, dispatching
each run over a WebSocket connection to the target and streaming its
output back live to any connected operator UI.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// config.LoadViper reads these environment variables.
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			_ = os.Setenv("SALTPETER_CONFIG_PATH", path)
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			_ = os.Setenv("SALTPETER_LOGGING_LEVEL", "debug")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewCronCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.saltpeter/saltpeter.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
