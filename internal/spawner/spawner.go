// Package spawner implements the opaque "spawn on machine M" capability,
// treated as an external collaborator: given a machine id and the
// wrapper invocation arguments, get saltpeter-wrapper running on that
// host, fire-and-forget.
package spawner

import (
	"context"
	"fmt"
)

// Args are the arguments the scheduler passes to the wrapper CLI:
// wrapper <endpoint_url> <job_name> <job_instance> <machine_id>
// <command> [cwd] [user].
type Args struct {
	EndpointURL string
	JobName     string
	JobInstance string
	Machine     string
	Command     string
	Cwd         string
	User        string
}

// CommandLine renders Args into the positional argv saltpeter-wrapper
// expects, omitting the trailing optional fields when they are at their
// defaults so logs stay readable.
func (a Args) CommandLine() []string {
	argv := []string{a.EndpointURL, a.JobName, a.JobInstance, a.Machine, a.Command}
	if a.Cwd != "" {
		argv = append(argv, a.Cwd)
	}
	if a.User != "" {
		if a.Cwd == "" {
			argv = append(argv, "/")
		}
		argv = append(argv, a.User)
	}
	return argv
}

// Spawner starts the wrapper on a target machine. Spawn must be
// fire-and-forget: the wrapper reports back via the machine endpoint, so
// Spawn only needs to confirm the attempt started, not await completion.
type Spawner interface {
	Spawn(ctx context.Context, machine string, args Args) error
}

// ErrSpawnFailed wraps a spawn failure with the machine it targeted, so
// the scheduler can synthesize a terminal MachineResult with retcode 255
// for that machine.
type ErrSpawnFailed struct {
	Machine string
	Err     error
}

func (e *ErrSpawnFailed) Error() string {
	return fmt.Sprintf("spawn failed on %s: %v", e.Machine, e.Err)
}

func (e *ErrSpawnFailed) Unwrap() error { return e.Err }
