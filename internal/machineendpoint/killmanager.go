package machineendpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syscollective/saltpeter/internal/state"
)

// pendingKill tracks one outstanding machine-level kill, mirroring
// machines_endpoint.py's kill_machine_timeouts dict.
type pendingKill struct {
	cron       string
	machine    string
	instanceID string
	startedAt  time.Time
}

// KillManager drives the outbound kill protocol on its own 500ms
// auxiliary tick, independent of the scheduler's tick.
type KillManager struct {
	store  *state.Store
	server *Server
	log    zerolog.Logger

	grace       time.Duration
	logThrottle time.Duration
	tick        time.Duration

	mu      sync.Mutex
	pending map[string]*pendingKill
}

// NewKillManager constructs a KillManager. grace is the 30s force-finalize
// window, logThrottle the 5s "don't spam" interval, tick the 500ms cadence.
func NewKillManager(store *state.Store, server *Server, log zerolog.Logger, grace, logThrottle, tick time.Duration) *KillManager {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logThrottle <= 0 {
		logThrottle = 5 * time.Second
	}
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	return &KillManager{
		store:       store,
		server:      server,
		log:         log,
		grace:       grace,
		logThrottle: logThrottle,
		tick:        tick,
		pending:     make(map[string]*pendingKill),
	}
}

// Run drives the kill tick until ctx is cancelled.
func (k *KillManager) Run(ctx context.Context) {
	ticker := time.NewTicker(k.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.Tick(now.UTC())
		}
	}
}

// Tick runs one pass of the outbound kill protocol. Exported so tests can
// drive it directly.
func (k *KillManager) Tick(now time.Time) {
	k.drainCommands(now)
	k.driveePending(now)
}

// drainCommands expands killcron commands into one killmachine per
// non-terminal machine (gathered from both live connections and
// non-terminal state.results entries), and admits killmachine commands
// into the pending-kills table.
func (k *KillManager) drainCommands(now time.Time) {
	cmds := k.store.DrainCommands()
	var notMine []*state.Command

	for _, cmd := range cmds {
		switch cmd.Kind {
		case state.CommandKillCron:
			k.expandKillCron(cmd.CronName, now)

		case state.CommandKillMachine:
			k.admitPendingKill(cmd.CronName, cmd.Machine, cmd.InstanceID, now)

		default:
			notMine = append(notMine, cmd)
		}
	}

	k.store.RequeueCommands(notMine)
}

// expandKillCron admits one pending kill per non-terminal machine
// directly, rather than round-tripping through the command queue, so the
// grace-period clock starts on the same tick the kill was requested.
func (k *KillManager) expandKillCron(cronName string, now time.Time) {
	for _, ri := range k.store.RunningByName(cronName) {
		ri.StopSignal = true
	}

	machines := make(map[string]string) // machine -> instance id
	for m, inst := range k.server.liveConnectionMachines(cronName) {
		machines[m] = inst
	}

	lock := k.store.CronLock(cronName)
	lock.Lock()
	js := k.store.Job(cronName)
	for m, r := range js.Results {
		if !r.Terminal() {
			if _, ok := machines[m]; !ok {
				machines[m] = instanceForMachine(k.store, cronName, m)
			}
		}
	}
	lock.Unlock()

	for m, inst := range machines {
		k.admitPendingKill(cronName, m, inst, now)
	}
}

func instanceForMachine(store *state.Store, cronName, machine string) string {
	for _, ri := range store.RunningByName(cronName) {
		for _, m := range ri.Machines {
			if m == machine {
				return ri.InstanceID
			}
		}
	}
	return ""
}

func (k *KillManager) admitPendingKill(cron, machine, instanceID string, now time.Time) {
	key := cron + ":" + machine
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.pending[key]; ok {
		return
	}
	k.pending[key] = &pendingKill{cron: cron, machine: machine, instanceID: instanceID, startedAt: now}
}

// driveePending resends kill while within the grace window,
// force-finalizes once it expires, and drops tracking for anything that
// has gone terminal on its own.
func (k *KillManager) driveePending(now time.Time) {
	k.mu.Lock()
	snapshot := make([]*pendingKill, 0, len(k.pending))
	for _, pk := range k.pending {
		snapshot = append(snapshot, pk)
	}
	k.mu.Unlock()

	for _, pk := range snapshot {
		if k.isTerminal(pk.cron, pk.machine) {
			k.drop(pk)
			continue
		}

		elapsed := now.Sub(pk.startedAt)
		if elapsed < k.grace {
			k.resendKill(pk, now, elapsed)
			continue
		}

		k.forceFinalize(pk, now)
		k.drop(pk)
	}
}

func (k *KillManager) isTerminal(cron, machine string) bool {
	lock := k.store.CronLock(cron)
	lock.Lock()
	defer lock.Unlock()
	js := k.store.Job(cron)
	r, ok := js.Results[machine]
	return ok && r.Terminal()
}

func (k *KillManager) resendKill(pk *pendingKill, now time.Time, elapsed time.Duration) {
	cs := k.server.connForKey(pk.instanceID, pk.machine)
	if cs == nil {
		return
	}
	_ = cs.send(OutboundMessage{
		Type:        MsgKill,
		JobName:     pk.cron,
		JobInstance: pk.instanceID,
		Machine:     pk.machine,
		Timestamp:   now.Format(time.RFC3339),
	})

	if int(elapsed.Truncate(time.Second).Seconds())%int(k.logThrottle.Seconds()) == 0 {
		k.log.Info().Str("cron", pk.cron).Str("machine", pk.machine).Dur("elapsed", elapsed).Msg("kill retransmitted, awaiting termination")
	}
}

// forceFinalize finalizes a machine result with retcode 143 and a
// grace-expired marker appended to its output once the grace period has
// elapsed without the machine reporting terminal on its own.
func (k *KillManager) forceFinalize(pk *pendingKill, now time.Time) {
	lock := k.store.CronLock(pk.cron)
	lock.Lock()
	js := k.store.Job(pk.cron)
	r, ok := js.Results[pk.machine]
	if !ok {
		r = &state.MachineResult{}
		js.Results[pk.machine] = r
	}
	if !r.Terminal() {
		r.Endtime = now.Format(time.RFC3339)
		r.Retcode = 143
		r.RetcodeSet = true
		r.Ret += "\n[Job terminated by user request - grace period expired after 30s]\n"
	}
	lock.Unlock()

	k.log.Warn().Str("cron", pk.cron).Str("machine", pk.machine).Msg("grace period expired, force-finalized")
}

func (k *KillManager) drop(pk *pendingKill) {
	k.mu.Lock()
	delete(k.pending, pk.cron+":"+pk.machine)
	k.mu.Unlock()
}
