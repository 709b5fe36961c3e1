package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/infra"
)

// NewLogsCommand creates the logs subcommand.
func NewLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Tail the daemon's log output",
		Long:  `Follows saltpeterd's stdout log file. Useful for a daemon started with output redirected to a file.`,
		Example: `  saltpeterd logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := logPath()

			if _, err := os.Stat(logFile); os.IsNotExist(err) {
				return fmt.Errorf("log file not found at %s", logFile)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Displaying logs from: %s\n", logFile)
			fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to exit.")

			tailPath, err := exec.LookPath("tail")
			if err != nil {
				return fmt.Errorf("'tail' command not found in PATH")
			}

			c := exec.Command(tailPath, "-f", logFile)
			c.Stdout = cmd.OutOrStdout()
			c.Stderr = cmd.ErrOrStderr()
			return c.Run()
		},
	}
}

func logPath() string {
	return filepath.Join(infra.Paths.LogDir, "saltpeterd.log")
}
