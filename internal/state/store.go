// Package state holds the single in-memory object every other Saltpeter
// component shares: config, per-job state, running instances, the
// operator command queue, the bad-cron set and the timeline cache. It
// corresponds to the reference implementation's cross-process shared
// dictionaries, folded into one Go struct with interior per-cron mutexes.
package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syscollective/saltpeter/internal/config"
)

// MachineResult is one machine's record for one job instance. Created on
// the first wrapper message for an instance, mutated until Endtime is
// set, then frozen until the next instance overwrites it.
type MachineResult struct {
	Starttime      string
	Endtime        string
	Ret            string
	Retcode        int
	RetcodeSet     bool
	WrapperVersion string
	LastHeartbeat  string
	LastOutputSeq  int
}

// Terminal reports whether this result has reached its completion
// predicate: endtime set.
func (m *MachineResult) Terminal() bool { return m.Endtime != "" }

// JobState is the per-cron-name record that outlives any single instance.
type JobState struct {
	NextRun     time.Time
	LastRun     time.Time
	LastRunSet  bool
	LastSuccess bool
	Group       string
	Results     map[string]*MachineResult
}

// RunningInstance is one firing of a cron, spanning a set of machines.
type RunningInstance struct {
	InstanceID   string
	Name         string
	Started      time.Time
	Machines     []string
	StopSignal   bool
	SoftDeadline time.Time
	HardDeadline time.Time
}

// Command is one tagged record on the operator/scheduler command queue.
type Command struct {
	Kind string // "runnow", "killcron", "killmachine", "get_timeline"

	CronName string // runnow, killcron, killmachine

	Machine    string // killmachine
	InstanceID string // killmachine, optional

	TimelineParams map[string]string // get_timeline
}

const (
	CommandRunNow      = "runnow"
	CommandKillCron    = "killcron"
	CommandKillMachine = "killmachine"
	CommandGetTimeline = "get_timeline"
)

// Timeline is the cached result of the last TimelineFetcher.Fetch call.
type Timeline struct {
	ID      string
	Entries []TimelineEntry
}

// TimelineEntry is a single historical record surfaced to the UI.
type TimelineEntry struct {
	CronName  string
	Instance  string
	Machine   string
	Starttime string
	Endtime   string
	Retcode   int
}

// TimelineFetcher is the external collaborator that actually knows how
// to retrieve history (OpenSearch/Elasticsearch in the original — spec
// §1 explicitly puts that integration out of scope). The Store only
// needs something that satisfies this interface.
type TimelineFetcher interface {
	Fetch(ctx context.Context) (*Timeline, error)
}

// NullTimelineFetcher is the shipped default: it always returns an empty,
// stably-identified timeline.
type NullTimelineFetcher struct{}

// Fetch implements TimelineFetcher.
func (NullTimelineFetcher) Fetch(context.Context) (*Timeline, error) {
	return &Timeline{ID: "empty", Entries: nil}, nil
}

// Store is the shared state object. Exactly one instance exists per
// daemon process.
type Store struct {
	configPtr atomic.Pointer[config.Snapshot]

	cronLocksMu sync.Mutex
	cronLocks   map[string]*sync.Mutex

	jobsMu sync.RWMutex
	jobs   map[string]*JobState

	runningMu sync.Mutex
	running   map[string]*RunningInstance // keyed by instance id

	commandsMu sync.Mutex
	commands   []*Command

	badCronsMu sync.RWMutex
	badCrons   map[string]error

	timelineMu sync.RWMutex
	timeline   *Timeline

	instanceCounter atomic.Uint64
}

// New returns an empty Store with no config loaded yet.
func New() *Store {
	s := &Store{
		cronLocks: make(map[string]*sync.Mutex),
		jobs:      make(map[string]*JobState),
		running:   make(map[string]*RunningInstance),
		badCrons:  make(map[string]error),
	}
	s.configPtr.Store(&config.Snapshot{Crons: map[string]config.CronDef{}})
	s.timeline = &Timeline{ID: "empty"}
	return s
}

// Config returns the current config snapshot. Config is copy-on-write:
// SetConfig swaps the pointer, so readers always see an internally
// consistent snapshot.
func (s *Store) Config() *config.Snapshot {
	return s.configPtr.Load()
}

// SetConfig installs a new config snapshot, ensuring every cron name in
// it has a JobState (creating empty ones for newly-appeared crons) and a
// per-cron lock. Crons removed from the new snapshot keep their JobState
// and lock until process exit, preserving historical state.
func (s *Store) SetConfig(snap *config.Snapshot) {
	s.configPtr.Store(snap)

	s.jobsMu.Lock()
	for name, def := range snap.Crons {
		if _, ok := s.jobs[name]; !ok {
			s.jobs[name] = &JobState{Group: def.Group, Results: make(map[string]*MachineResult)}
		} else {
			s.jobs[name].Group = def.Group
		}
	}
	s.jobsMu.Unlock()

	s.cronLocksMu.Lock()
	for name := range snap.Crons {
		if _, ok := s.cronLocks[name]; !ok {
			s.cronLocks[name] = &sync.Mutex{}
		}
	}
	s.cronLocksMu.Unlock()
}

// CronLock returns the mutex guarding state[cron], creating it lazily
// under a short-lived store-wide lock that is never held across the
// cron-level critical section itself.
func (s *Store) CronLock(cron string) *sync.Mutex {
	s.cronLocksMu.Lock()
	defer s.cronLocksMu.Unlock()
	l, ok := s.cronLocks[cron]
	if !ok {
		l = &sync.Mutex{}
		s.cronLocks[cron] = l
	}
	return l
}

// Job returns the JobState for a cron name, creating an empty one if
// necessary. Callers must hold CronLock(name) before mutating the
// returned JobState's Results.
func (s *Store) Job(name string) *JobState {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	js, ok := s.jobs[name]
	if !ok {
		js = &JobState{Results: make(map[string]*MachineResult)}
		s.jobs[name] = js
	}
	return js
}

// JobNames returns every cron name with a JobState, for callers that
// want to enumerate state without holding any per-cron lock.
func (s *Store) JobNames() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

// NextInstanceID allocates a strictly-monotonic instance id for a fire of
// the named cron: name + ":" + strictly-monotonic-counter.
func (s *Store) NextInstanceID(name string) string {
	n := s.instanceCounter.Add(1)
	return name + ":" + itoa(n)
}

// AddRunning inserts a newly fired instance. Scheduler-exclusive.
func (s *Store) AddRunning(ri *RunningInstance) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	s.running[ri.InstanceID] = ri
}

// RemoveRunning deletes an instance record, used on reap.
func (s *Store) RemoveRunning(instanceID string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, instanceID)
}

// Running returns the RunningInstance for an id, or nil.
func (s *Store) Running(instanceID string) *RunningInstance {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running[instanceID]
}

// RunningByName returns every running instance whose cron name matches.
func (s *Store) RunningByName(name string) []*RunningInstance {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	var out []*RunningInstance
	for _, ri := range s.running {
		if ri.Name == name {
			out = append(out, ri)
		}
	}
	return out
}

// AllRunning returns a snapshot slice of every currently running instance.
func (s *Store) AllRunning() []*RunningInstance {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	out := make([]*RunningInstance, 0, len(s.running))
	for _, ri := range s.running {
		out = append(out, ri)
	}
	return out
}

// IsRunning reports whether any instance of the named cron is currently
// in the running table (used by the fire procedure's "not already
// running" check).
func (s *Store) IsRunning(name string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	for _, ri := range s.running {
		if ri.Name == name {
			return true
		}
	}
	return false
}

// PushCommand appends an operator/scheduler-originated command. The UI
// endpoint is append-only on commands.
func (s *Store) PushCommand(c *Command) {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	s.commands = append(s.commands, c)
}

// DrainCommands atomically removes and returns every queued command.
func (s *Store) DrainCommands() []*Command {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	drained := s.commands
	s.commands = nil
	return drained
}

// RequeueCommands pushes commands back onto the front of the queue,
// used by components that only want to consume a subset of what they
// drained (e.g. the scheduler drains everything but leaves killmachine
// commands for the machine endpoint to process).
func (s *Store) RequeueCommands(cmds []*Command) {
	if len(cmds) == 0 {
		return
	}
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	s.commands = append(cmds, s.commands...)
}

// MarkBadCron records a cron name that failed to parse, reported once.
func (s *Store) MarkBadCron(name string, err error) {
	s.badCronsMu.Lock()
	defer s.badCronsMu.Unlock()
	s.badCrons[name] = err
}

// ClearBadCron removes a name once it parses successfully again.
func (s *Store) ClearBadCron(name string) {
	s.badCronsMu.Lock()
	defer s.badCronsMu.Unlock()
	delete(s.badCrons, name)
}

// BadCrons returns a copy of the bad-cron set.
func (s *Store) BadCrons() map[string]error {
	s.badCronsMu.RLock()
	defer s.badCronsMu.RUnlock()
	out := make(map[string]error, len(s.badCrons))
	for k, v := range s.badCrons {
		out[k] = v
	}
	return out
}

// SetTimeline installs a freshly fetched timeline.
func (s *Store) SetTimeline(t *Timeline) {
	s.timelineMu.Lock()
	defer s.timelineMu.Unlock()
	s.timeline = t
}

// Timeline returns the cached timeline.
func (s *Store) Timeline() *Timeline {
	s.timelineMu.RLock()
	defer s.timelineMu.RUnlock()
	return s.timeline
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
