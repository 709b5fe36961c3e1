package spawner

import (
	"context"
	"fmt"
	"os/exec"
)

// LocalSpawner runs saltpeter-wrapper as a local subprocess instead of
// over SSH. It ignores the machine argument beyond logging/bookkeeping
// purposes, which makes it useful both for single-host deployments and
// for scheduler tests that want a real process without a fleet.
type LocalSpawner struct {
	// WrapperPath is the path to the saltpeter-wrapper binary; defaults
	// to "saltpeter-wrapper" resolved via PATH when empty.
	WrapperPath string
}

// Spawn implements Spawner.
func (s *LocalSpawner) Spawn(ctx context.Context, machine string, args Args) error {
	wrapperPath := s.WrapperPath
	if wrapperPath == "" {
		wrapperPath = "saltpeter-wrapper"
	}

	cmd := exec.Command(wrapperPath, args.CommandLine()...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting local wrapper for %s: %w", machine, err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}
