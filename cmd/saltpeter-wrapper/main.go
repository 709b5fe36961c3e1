// Command saltpeter-wrapper runs on a target machine: it executes one job's
// command and speaks the wrapper side of the machine-endpoint protocol for
// the duration of that run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/syscollective/saltpeter/internal/version"
	"github.com/syscollective/saltpeter/internal/wrapperagent"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "saltpeter-wrapper:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg.Version = version.Version

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	agent := wrapperagent.New(cfg, log)
	return agent.Run(ctx)
}

// parseArgs maps positional argv onto wrapperagent.Config:
// wrapper <endpoint_url> <job_name> <job_instance> <machine_id> <command> [cwd] [user]
func parseArgs(args []string) (wrapperagent.Config, error) {
	if len(args) < 5 {
		return wrapperagent.Config{}, fmt.Errorf("usage: saltpeter-wrapper <endpoint_url> <job_name> <job_instance> <machine_id> <command> [cwd] [user]")
	}

	cfg := wrapperagent.Config{
		EndpointURL: args[0],
		JobName:     args[1],
		JobInstance: args[2],
		Machine:     args[3],
		Command:     args[4],
	}
	if len(args) > 5 {
		cfg.Cwd = args[5]
	}
	if len(args) > 6 {
		cfg.User = args[6]
	}
	return cfg, nil
}
