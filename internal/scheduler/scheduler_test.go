package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscollective/saltpeter/internal/config"
	"github.com/syscollective/saltpeter/internal/spawner"
	"github.com/syscollective/saltpeter/internal/state"
)

type fakeSpawner struct {
	mu      sync.Mutex
	calls   []spawner.Args
	failFor map[string]bool
}

func (f *fakeSpawner) Spawn(ctx context.Context, machine string, args spawner.Args) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.failFor[machine] {
		return fmt.Errorf("boom")
	}
	return nil
}

func newTestScheduler(t *testing.T, cronYAML string) (*Scheduler, *state.Store, *fakeSpawner) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.yaml"), []byte(cronYAML), 0644))

	st := state.New()
	fs := &fakeSpawner{failFor: make(map[string]bool)}
	sched := New(Options{
		Store:       st,
		Loader:      config.NewLoader(dir),
		Spawner:     fs,
		EndpointURL: "ws://localhost:8901",
		Cfg:         config.SchedulerConfig{TickIntervalMs: 500, FireDebounceMs: 1000, TimeoutExtensionSec: 300},
	})
	return sched, st, fs
}

const everyMinuteJob = `
foo:
  min: "*"
  hour: "*"
  dom: "*"
  mon: "*"
  dow: "*"
  command: "echo hi"
  user: root
  targets: ["b", "a"]
  target_type: list
  number_of_targets: 0
`

func TestTickFiresDueCron(t *testing.T) {
	sched, st, fs := newTestScheduler(t, everyMinuteJob)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)

	assert.True(t, st.IsRunning("foo"))
	fs.mu.Lock()
	assert.Len(t, fs.calls, 2)
	fs.mu.Unlock()
}

func TestFireResetsResultsToSelectedMachines(t *testing.T) {
	sched, st, _ := newTestScheduler(t, everyMinuteJob)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)

	js := st.Job("foo")
	assert.Len(t, js.Results, 2)
	assert.Contains(t, js.Results, "a")
	assert.Contains(t, js.Results, "b")
}

func TestSpawnFailureSynthesizesTerminalResult(t *testing.T) {
	sched, st, fs := newTestScheduler(t, everyMinuteJob)
	fs.failFor["a"] = true

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)

	js := st.Job("foo")
	r := js.Results["a"]
	require.NotNil(t, r)
	assert.True(t, r.Terminal())
	assert.Equal(t, 255, r.Retcode)
	assert.Contains(t, r.Ret, "spawn failed")
}

func TestDebounceBlocksRefireWithinWindow(t *testing.T) {
	sched, st, fs := newTestScheduler(t, everyMinuteJob)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)
	st.RemoveRunning(firstInstanceID(st, "foo"))
	// Make the cron due again so only the debounce can hold it back.
	st.Job("foo").NextRun = now

	sched.Tick(context.Background(), now.Add(100*time.Millisecond))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.calls, 2, "should not have refired within the debounce window")
}

func TestReapComputesLastSuccessAndRemovesInstance(t *testing.T) {
	sched, st, _ := newTestScheduler(t, everyMinuteJob)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)

	instanceID := firstInstanceID(st, "foo")
	lock := st.CronLock("foo")
	lock.Lock()
	js := st.Job("foo")
	for _, m := range []string{"a", "b"} {
		js.Results[m].Starttime = "2026-01-01T00:00:00Z"
		js.Results[m].Endtime = "2026-01-01T00:00:01Z"
		js.Results[m].Retcode = 0
		js.Results[m].RetcodeSet = true
	}
	lock.Unlock()

	sched.reap(now.Add(time.Second))

	assert.False(t, st.IsRunning("foo"))
	assert.Nil(t, st.Running(instanceID))
	assert.True(t, js.LastSuccess)
}

func TestKillCronAndTimelineCommandsAreRequeuedUntouched(t *testing.T) {
	// killcron/killmachine belong to the machine endpoint's kill manager
	// and get_timeline is not the scheduler's either; the scheduler must
	// leave them on the queue rather than consuming them.
	sched, st, _ := newTestScheduler(t, everyMinuteJob)
	st.PushCommand(&state.Command{Kind: state.CommandKillCron, CronName: "foo"})
	st.PushCommand(&state.Command{Kind: state.CommandGetTimeline})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)

	drained := st.DrainCommands()
	require.Len(t, drained, 2)
	assert.Equal(t, state.CommandKillCron, drained[0].Kind)
	assert.Equal(t, state.CommandGetTimeline, drained[1].Kind)
}

func firstInstanceID(st *state.Store, name string) string {
	for _, ri := range st.RunningByName(name) {
		return ri.InstanceID
	}
	return ""
}
