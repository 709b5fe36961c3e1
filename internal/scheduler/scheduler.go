// Package scheduler implements C4: the tick loop that decides when a
// cron fires, picks which machines execute it, and enforces soft/hard
// timeouts.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/syscollective/saltpeter/internal/config"
	"github.com/syscollective/saltpeter/internal/cronspec"
	"github.com/syscollective/saltpeter/internal/spawner"
	"github.com/syscollective/saltpeter/internal/state"
	"github.com/syscollective/saltpeter/internal/targets"
)

// Scheduler drives the main scheduling tick.
type Scheduler struct {
	store    *state.Store
	loader   *config.Loader
	resolver targets.Resolver
	spawner  spawner.Spawner

	endpointURL string
	tick        time.Duration
	debounce    time.Duration
	timeoutExt  time.Duration

	log zerolog.Logger

	expressions map[string]*cronspec.Expression
	lastRun     map[string]time.Time

	// loaded is the snapshot whose schedules were last parsed.
	loaded *config.Snapshot
}

// Options configures a new Scheduler.
type Options struct {
	Store       *state.Store
	Loader      *config.Loader
	Resolver    targets.Resolver
	Spawner     spawner.Spawner
	EndpointURL string
	Cfg         config.SchedulerConfig
	Logger      zerolog.Logger
}

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	tick := time.Duration(opts.Cfg.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	debounce := time.Duration(opts.Cfg.FireDebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Second
	}
	ext := time.Duration(opts.Cfg.TimeoutExtensionSec) * time.Second
	if ext <= 0 {
		ext = 5 * time.Minute
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = targets.ListResolver{}
	}

	return &Scheduler{
		store:       opts.Store,
		loader:      opts.Loader,
		resolver:    resolver,
		spawner:     opts.Spawner,
		endpointURL: opts.EndpointURL,
		tick:        tick,
		debounce:    debounce,
		timeoutExt:  ext,
		log:         opts.Logger.With().Str("component", "scheduler").Logger(),
		expressions: make(map[string]*cronspec.Expression),
		lastRun:     make(map[string]time.Time),
	}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick runs one scheduling pass. Exported so tests can drive it directly
// without depending on wall-clock timing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.reloadConfig(now)
	s.fireDue(ctx, now)
	s.drainCommands(ctx, now)
	s.checkTimeouts(ctx, now)
	s.reap(now)
}

func (s *Scheduler) reloadConfig(now time.Time) {
	snap, bad, collisions, err := s.loader.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("cron directory reload failed; keeping previous config")
		return
	}

	for name, badErr := range bad {
		s.store.MarkBadCron(name, badErr)
		s.log.Warn().Str("cron", name).Err(badErr).Msg("cron definition invalid, skipping")
	}
	for name, file := range collisions {
		s.log.Warn().Str("cron", name).Str("file", file).Msg("duplicate cron name, last file in lexicographic order wins")
	}

	if s.loaded == snap {
		return
	}
	s.loaded = snap
	s.store.SetConfig(snap)

	for name, def := range snap.Crons {
		expr, parseErr := cronspec.Parse(def)
		if parseErr != nil {
			s.store.MarkBadCron(name, parseErr)
			s.log.Warn().Str("cron", name).Err(parseErr).Msg("cron schedule failed to parse, skipping")
			continue
		}
		s.store.ClearBadCron(name)
		s.expressions[name] = expr

		js := s.store.Job(name)
		lock := s.store.CronLock(name)
		lock.Lock()
		// Inclusive of now: a schedule matching the current instant is
		// due on this very tick.
		js.NextRun = expr.Next(now.Add(-time.Nanosecond))
		lock.Unlock()
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	snap := s.store.Config()
	for name, def := range snap.Crons {
		js := s.store.Job(name)
		if js.NextRun.After(now) {
			continue
		}
		if s.store.IsRunning(name) {
			continue
		}
		if last, ok := s.lastRun[name]; ok && now.Sub(last) < s.debounce {
			continue
		}
		s.fire(ctx, name, def, now)
	}
}

func (s *Scheduler) drainCommands(ctx context.Context, now time.Time) {
	cmds := s.store.DrainCommands()
	var notMine []*state.Command

	for _, cmd := range cmds {
		switch cmd.Kind {
		case state.CommandRunNow:
			snap := s.store.Config()
			def, ok := snap.Crons[cmd.CronName]
			if !ok {
				s.log.Warn().Str("cron", cmd.CronName).Msg("runnow for unknown cron")
				continue
			}
			if s.store.IsRunning(cmd.CronName) {
				s.log.Info().Str("cron", cmd.CronName).Msg("runnow ignored, already running")
				continue
			}
			s.fire(ctx, cmd.CronName, def, now)

		default:
			// killcron/killmachine belong to the machine endpoint's kill
			// manager, which runs its own 500ms tick and needs the
			// endpoint's live-connection table to enumerate
			// machines-to-kill. get_timeline is not consumed by any
			// component in this repository and stays queued. The
			// scheduler only observes the kills' eventual effect on state.
			notMine = append(notMine, cmd)
		}
	}

	s.store.RequeueCommands(notMine)
}

func (s *Scheduler) checkTimeouts(ctx context.Context, now time.Time) {
	snap := s.store.Config()
	for _, ri := range s.store.AllRunning() {
		def, ok := snap.Crons[ri.Name]
		if !ok {
			continue
		}

		if def.SoftTimeout > 0 && !ri.SoftDeadline.IsZero() && now.After(ri.SoftDeadline) {
			s.log.Warn().Str("cron", ri.Name).Str("instance", ri.InstanceID).Msg("soft timeout exceeded")
			ri.SoftDeadline = ri.SoftDeadline.Add(s.timeoutExt)
		}

		if def.HardTimeout > 0 && !ri.HardDeadline.IsZero() && now.After(ri.HardDeadline) {
			lock := s.store.CronLock(ri.Name)
			lock.Lock()
			js := s.store.Job(ri.Name)
			for _, m := range ri.Machines {
				if r, ok := js.Results[m]; ok && !r.Terminal() {
					s.store.PushCommand(&state.Command{Kind: state.CommandKillMachine, CronName: ri.Name, Machine: m, InstanceID: ri.InstanceID})
				}
			}
			lock.Unlock()
			s.log.Warn().Str("cron", ri.Name).Str("instance", ri.InstanceID).Msg("hard timeout exceeded, killing non-terminal machines")
			ri.HardDeadline = ri.HardDeadline.Add(s.timeoutExt)
		}
	}
}

func (s *Scheduler) reap(now time.Time) {
	for _, ri := range s.store.AllRunning() {
		lock := s.store.CronLock(ri.Name)
		lock.Lock()
		js := s.store.Job(ri.Name)

		allTerminal := true
		success := true
		for _, m := range ri.Machines {
			r, ok := js.Results[m]
			if !ok || !r.Terminal() {
				allTerminal = false
				break
			}
			if r.Retcode != 0 {
				success = false
			}
		}

		if allTerminal {
			js.LastSuccess = success
			js.LastRun = now
			js.LastRunSet = true
		}
		lock.Unlock()

		if allTerminal {
			s.store.RemoveRunning(ri.InstanceID)
			s.lastRun[ri.Name] = now
		}
	}
}

// fire allocates a run instance, resolves and locks in its target
// machines, resets their results, and spawns the wrapper on each.
func (s *Scheduler) fire(ctx context.Context, name string, def config.CronDef, now time.Time) {
	machines, err := targets.Resolve(s.resolver, def)
	if err != nil {
		s.log.Error().Str("cron", name).Err(err).Msg("target resolution failed, skipping fire")
		return
	}

	instanceID := s.store.NextInstanceID(name)
	ri := &state.RunningInstance{
		InstanceID: instanceID,
		Name:       name,
		Started:    now,
		Machines:   machines,
	}
	if def.SoftTimeout > 0 {
		ri.SoftDeadline = now.Add(time.Duration(def.SoftTimeout) * time.Second)
	}
	if def.HardTimeout > 0 {
		ri.HardDeadline = now.Add(time.Duration(def.HardTimeout) * time.Second)
	}
	s.store.AddRunning(ri)
	s.lastRun[name] = now

	lock := s.store.CronLock(name)
	lock.Lock()
	js := s.store.Job(name)
	js.Results = make(map[string]*state.MachineResult, len(machines))
	for _, m := range machines {
		js.Results[m] = &state.MachineResult{}
	}
	if expr, ok := s.expressions[name]; ok {
		js.NextRun = expr.Next(now)
	}
	lock.Unlock()

	s.log.Info().Str("cron", name).Str("instance", instanceID).Strs("machines", machines).Msg("firing")

	for _, m := range machines {
		args := spawner.Args{
			EndpointURL: s.endpointURL,
			JobName:     name,
			JobInstance: instanceID,
			Machine:     m,
			Command:     def.Command,
			Cwd:         def.Cwd,
			User:        def.User,
		}
		if spawnErr := s.spawner.Spawn(ctx, m, args); spawnErr != nil {
			s.log.Error().Str("cron", name).Str("machine", m).Err(spawnErr).Msg("spawn failed")
			s.finalizeSpawnFailure(name, m, spawnErr, now)
		}
	}
}

// finalizeSpawnFailure synthesizes a terminal MachineResult for a machine
// whose spawn attempt failed outright, so it shows up as a normal failed
// run rather than hanging forever in a non-terminal state.
func (s *Scheduler) finalizeSpawnFailure(name, machine string, spawnErr error, now time.Time) {
	lock := s.store.CronLock(name)
	lock.Lock()
	defer lock.Unlock()

	js := s.store.Job(name)
	ts := now.Format(time.RFC3339)
	js.Results[machine] = &state.MachineResult{
		Starttime:  ts,
		Endtime:    ts,
		Retcode:    255,
		RetcodeSet: true,
		Ret:        fmt.Sprintf("spawn failed: %v", spawnErr),
	}
}
