// Package commands provides CLI subcommands for saltpeterd.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/config"
	"github.com/syscollective/saltpeter/internal/infra"
	"github.com/syscollective/saltpeter/internal/machineendpoint"
	"github.com/syscollective/saltpeter/internal/scheduler"
	"github.com/syscollective/saltpeter/internal/spawner"
	"github.com/syscollective/saltpeter/internal/state"
	"github.com/syscollective/saltpeter/internal/uiendpoint"
	"github.com/syscollective/saltpeter/internal/version"
)

// NewServeCommand creates the serve subcommand: the daemon itself,
// running the scheduler, machine endpoint and UI endpoint together until
// interrupted.
func NewServeCommand() *cobra.Command {
	var wrapperPath string
	var detached bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the saltpeterd daemon",
		Long:    `Runs the scheduler, machine endpoint, and UI endpoint in the foreground until interrupted.`,
		Example: `  saltpeterd serve
  saltpeterd serve --detached
  saltpeterd serve --wrapper-path /usr/local/bin/saltpeter-wrapper`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if detached {
				return runServeDetached(cmd, wrapperPath)
			}
			return runServe(cmd, wrapperPath)
		},
	}

	cmd.Flags().StringVar(&wrapperPath, "wrapper-path", "", "path to the saltpeter-wrapper binary spawned locally (defaults to PATH lookup)")
	cmd.Flags().BoolVarP(&detached, "detached", "d", false, "run in the background, redirecting output to the log file 'saltpeterd logs' tails")
	cmd.AddCommand(newStopCommand())
	return cmd
}

// runServeDetached re-execs the current binary in the foreground serve
// mode as a background process with output redirected to the daemon log
// file, then returns immediately. It does not itself take the single
// instance lock — the child process does, on startup.
func runServeDetached(cmd *cobra.Command, wrapperPath string) error {
	out := cmd.OutOrStdout()

	if err := infra.EnsureDirs(); err != nil {
		return fmt.Errorf("creating state dirs: %w", err)
	}
	logFile, err := os.OpenFile(logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		executable = "saltpeterd"
	}

	childArgs := []string{"serve"}
	if wrapperPath != "" {
		childArgs = append(childArgs, "--wrapper-path", wrapperPath)
	}

	c := exec.Command(executable, childArgs...)
	c.Stdout = logFile
	c.Stderr = logFile
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting background daemon: %w", err)
	}

	fmt.Fprintf(out, "saltpeterd started in background (PID %d)\n", c.Process.Pid)
	fmt.Fprintf(out, "logs: %s\n", logPath())
	return nil
}

func runServe(cmd *cobra.Command, wrapperPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := infra.EnsureDirs(); err != nil {
		return fmt.Errorf("creating state dirs: %w", err)
	}
	fileLock := flock.New(lockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintln(out, "saltpeterd is already running.")
		fmt.Fprintf(out, "  lock file: %s\n", lockPath())
		return fmt.Errorf("daemon already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writePID(); err != nil {
		return err
	}
	defer func() { _ = removePID() }()

	log := newLogger(cfg.Logging)

	store := state.New()
	loader := config.NewLoader(cfg.CronDir)
	if snap, _, _, loadErr := loader.Load(); loadErr == nil {
		store.SetConfig(snap)
	}

	machineEndpointURL := fmt.Sprintf("ws://%s:%d/", publicHost(cfg.MachineEndpoint.Bind), cfg.MachineEndpoint.Port)

	sched := scheduler.New(scheduler.Options{
		Store:       store,
		Loader:      loader,
		Spawner:     &spawner.LocalSpawner{WrapperPath: wrapperPath},
		EndpointURL: machineEndpointURL,
		Cfg:         cfg.Scheduler,
		Logger:      log,
	})

	grace := time.Duration(cfg.Scheduler.GracePeriodSeconds) * time.Second
	throttle := time.Duration(cfg.Scheduler.LogThrottleSeconds) * time.Second
	tick := time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond
	machineSrv := machineendpoint.NewServer(store, log, grace, throttle, tick)

	broadcast := time.Duration(cfg.Scheduler.BroadcastIntervalMs) * time.Millisecond
	uiSrv := uiendpoint.NewServer(store, log, version.Version, version.BuildDate, broadcast)

	machineHTTP := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.MachineEndpoint.Bind, cfg.MachineEndpoint.Port), Handler: machineSrv}
	uiHTTP := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.UIEndpoint.Bind, cfg.UIEndpoint.Port), Handler: uiSrv}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go sched.Run(ctx)
	go machineSrv.KillManager().Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- serveOrNil(machineHTTP.ListenAndServe()) }()
	go func() { errCh <- serveOrNil(uiHTTP.ListenAndServe()) }()

	fmt.Fprintf(out, "saltpeterd listening: machine endpoint %s, ui endpoint %s\n", machineHTTP.Addr, uiHTTP.Addr)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server exited unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = machineHTTP.Shutdown(shutdownCtx)
	_ = uiHTTP.Shutdown(shutdownCtx)
	return nil
}

func serveOrNil(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func publicHost(bind string) string {
	if bind == "" || bind == "0.0.0.0" {
		return "127.0.0.1"
	}
	return bind
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Str("component", "saltpeterd").Logger()
}

func lockPath() string {
	return filepath.Join(infra.Paths.ConfigDir, "saltpeterd.lock")
}

func pidPath() string {
	return filepath.Join(infra.Paths.ConfigDir, "saltpeterd.pid")
}

func writePID() error {
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePID() error {
	return os.Remove(pidPath())
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file")
	}
	return pid, nil
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop a running saltpeterd daemon",
		Example: `  saltpeterd serve stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			pid, err := readPID()
			if err != nil {
				return fmt.Errorf("daemon not running (pid file missing)")
			}
			if !checkProcessRunning(pid) {
				_ = removePID()
				return fmt.Errorf("daemon not running (stale pid file)")
			}
			if err := terminateProcess(pid); err != nil {
				return fmt.Errorf("stopping daemon (pid %d): %w", pid, err)
			}
			fmt.Fprintf(out, "sent stop signal to saltpeterd (PID %d)\n", pid)
			waitForProcessExit(pid, 5*time.Second)
			return nil
		},
	}
}
