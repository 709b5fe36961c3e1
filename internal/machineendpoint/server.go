package machineendpoint

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/syscollective/saltpeter/internal/state"
)

// connState is the per-client bookkeeping for one live connection:
// last_seen, next_expected_seq (init 0), last_acked_seq (init -1), and
// the underlying socket. It lives in endpoint-local memory, distinct from
// the per-cron state locks — the connection table is endpoint-local
// bookkeeping, not part of the shared job state.
type connState struct {
	mu sync.Mutex

	// id correlates this connection's log lines across its lifetime,
	// independent of (instance, machine), which is reused across
	// reconnects.
	id uuid.UUID

	conn *websocket.Conn

	jobName     string
	jobInstance string
	machine     string

	lastSeen        time.Time
	nextExpectedSeq int
	lastAckedSeq    int
}

func connKey(jobInstance, machine string) string {
	return jobInstance + ":" + machine
}

func (c *connState) send(msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Server is C2: the WebSocket ingress wrappers connect to.
type Server struct {
	store *state.Store
	log   zerolog.Logger

	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[string]*connState

	kill *KillManager
}

// NewServer constructs a machine endpoint server. gracePeriod and
// logThrottle default to 30s and 5s respectively; tickInterval is the
// 500ms outbound kill tick.
func NewServer(store *state.Store, logger zerolog.Logger, gracePeriod, logThrottle, tickInterval time.Duration) *Server {
	s := &Server{
		store: store,
		log:   logger.With().Str("component", "machine-endpoint").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*connState),
	}
	s.kill = NewKillManager(store, s, s.log, gracePeriod, logThrottle, tickInterval)
	return s
}

// KillManager exposes the server's kill manager so the daemon can start
// its tick loop alongside the HTTP server.
func (s *Server) KillManager() *KillManager { return s.kill }

// ServeHTTP upgrades the request to a WebSocket and runs the read loop
// for its lifetime. Intended to be mounted at the machine endpoint's
// listen address, one upgrade per (instance, machine) pair.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.serve(conn)
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()

	var cs *connState
	defer func() {
		if cs != nil {
			s.connsMu.Lock()
			delete(s.conns, connKey(cs.jobInstance, cs.machine))
			s.connsMu.Unlock()
			s.log.Info().Str("conn_id", cs.id.String()).Str("job", cs.jobName).Str("instance", cs.jobInstance).Str("machine", cs.machine).Msg("wrapper disconnected")
		}
	}()

	for {
		var msg InboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Timestamp == "" {
			msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}

		if msg.Type == MsgConnect {
			cs = s.handleConnect(conn, msg)
			continue
		}
		if cs == nil {
			// Every other handler is keyed off an established connection,
			// so there is nothing to do with a message that arrives first.
			s.log.Warn().Str("type", msg.Type).Msg("message received before connect, dropping")
			continue
		}

		s.dispatch(cs, msg)
	}
}

func (s *Server) handleConnect(conn *websocket.Conn, msg InboundMessage) *connState {
	cs := &connState{
		id:              uuid.New(),
		conn:            conn,
		jobName:         msg.JobName,
		jobInstance:     msg.JobInstance,
		machine:         msg.Machine,
		lastSeen:        time.Now().UTC(),
		nextExpectedSeq: 0,
		lastAckedSeq:    -1,
	}

	s.connsMu.Lock()
	s.conns[connKey(msg.JobInstance, msg.Machine)] = cs
	s.connsMu.Unlock()

	s.log.Info().Str("conn_id", cs.id.String()).Str("job", msg.JobName).Str("instance", msg.JobInstance).Str("machine", msg.Machine).Msg("wrapper connected")

	_ = cs.send(OutboundMessage{Type: MsgAck, AckType: AckTypeConnect})
	return cs
}

func (s *Server) dispatch(cs *connState, msg InboundMessage) {
	switch msg.Type {
	case MsgStart:
		s.handleStart(cs, msg)
	case MsgHeartbeat:
		s.handleHeartbeat(cs, msg)
	case MsgOutput:
		s.handleOutput(cs, msg)
	case MsgSyncRequest:
		s.handleSyncRequest(cs, msg)
	case MsgComplete:
		s.handleComplete(cs, msg)
	case MsgKilled:
		s.log.Info().Str("job", msg.JobName).Str("instance", msg.JobInstance).Str("machine", msg.Machine).Msg("wrapper reported killed")
	case MsgError:
		s.handleError(cs, msg)
	default:
		s.log.Warn().Str("type", msg.Type).Msg("unrecognized message type")
	}
}

// handleStart drops a start for an instance the store has no record of
// running (warn, no reply); otherwise it creates or refreshes
// results[machine] for the reporting instance.
func (s *Server) handleStart(cs *connState, msg InboundMessage) {
	if s.store.Running(msg.JobInstance) == nil {
		s.log.Warn().Str("job", msg.JobName).Str("instance", msg.JobInstance).Msg("start for unknown instance, dropping")
		return
	}

	lock := s.store.CronLock(msg.JobName)
	lock.Lock()
	js := s.store.Job(msg.JobName)
	js.Results[msg.Machine] = &state.MachineResult{
		Starttime:      msg.Timestamp,
		WrapperVersion: msg.Version,
	}
	lock.Unlock()

	_ = cs.send(OutboundMessage{Type: MsgAck, AckType: AckTypeStart})
}

func (s *Server) handleHeartbeat(cs *connState, msg InboundMessage) {
	cs.mu.Lock()
	cs.lastSeen = time.Now().UTC()
	cs.mu.Unlock()

	lock := s.store.CronLock(msg.JobName)
	lock.Lock()
	js := s.store.Job(msg.JobName)
	if r, ok := js.Results[msg.Machine]; ok {
		r.LastHeartbeat = msg.Timestamp
	}
	lock.Unlock()
}

// handleOutput enforces strict per-(instance,machine) sequencing:
// duplicates are ack'd and dropped, gaps are nack'd, in-order chunks are
// appended and ack'd. The ack is sent before the state mutation to
// minimize wrapper stall, since nothing downstream depends on the state
// write having landed before the ack is observed by the wrapper.
func (s *Server) handleOutput(cs *connState, msg InboundMessage) {
	cs.mu.Lock()
	expected := cs.nextExpectedSeq
	cs.mu.Unlock()

	switch {
	case msg.Seq < expected:
		_ = cs.send(OutboundMessage{Type: MsgAck, AckType: AckTypeOutput, Seq: intPtr(msg.Seq)})
		return
	case msg.Seq > expected:
		_ = cs.send(OutboundMessage{
			Type:        MsgNack,
			NackType:    NackTypeOutOfOrder,
			ExpectedSeq: intPtr(expected),
			ReceivedSeq: intPtr(msg.Seq),
		})
		return
	}

	_ = cs.send(OutboundMessage{Type: MsgAck, AckType: AckTypeOutput, Seq: intPtr(msg.Seq)})

	cs.mu.Lock()
	cs.nextExpectedSeq = expected + 1
	cs.lastAckedSeq = msg.Seq
	cs.mu.Unlock()

	lock := s.store.CronLock(msg.JobName)
	lock.Lock()
	js := s.store.Job(msg.JobName)
	if r, ok := js.Results[msg.Machine]; ok && !r.Terminal() {
		r.Ret += msg.Data
		r.LastOutputSeq = msg.Seq
	}
	lock.Unlock()
}

func (s *Server) handleSyncRequest(cs *connState, msg InboundMessage) {
	cs.mu.Lock()
	lastSeq := cs.lastAckedSeq
	cs.mu.Unlock()
	_ = cs.send(OutboundMessage{Type: MsgSyncResponse, LastSeq: intPtr(lastSeq)})
}

// handleComplete finalizes a machine's result, enforcing terminal
// stickiness: once endtime is set, a later complete does not overwrite
// retcode or truncate ret. The ack is sent after the state write so the
// wrapper can close immediately once it arrives.
func (s *Server) handleComplete(cs *connState, msg InboundMessage) {
	lock := s.store.CronLock(msg.JobName)
	lock.Lock()
	js := s.store.Job(msg.JobName)
	r, ok := js.Results[msg.Machine]
	if !ok {
		r = &state.MachineResult{Starttime: msg.Timestamp}
		js.Results[msg.Machine] = r
	}

	if r.Terminal() {
		s.log.Warn().Str("job", msg.JobName).Str("machine", msg.Machine).Msg("complete received after result was already terminal, ignoring per terminal-stickiness rule")
	} else {
		r.Endtime = msg.Timestamp
		if msg.Retcode != nil {
			r.Retcode = *msg.Retcode
			r.RetcodeSet = true
		}
	}
	lock.Unlock()

	_ = cs.send(OutboundMessage{Type: MsgAck, AckType: AckTypeComplete, Seq: intPtr(msg.Seq)})

	s.connsMu.Lock()
	delete(s.conns, connKey(msg.JobInstance, msg.Machine))
	s.connsMu.Unlock()
}

// handleError finalizes a machine's result with retcode 255 and drops
// the connection, subject to the same terminal-stickiness rule as
// complete.
func (s *Server) handleError(cs *connState, msg InboundMessage) {
	lock := s.store.CronLock(msg.JobName)
	lock.Lock()
	js := s.store.Job(msg.JobName)
	r, ok := js.Results[msg.Machine]
	if !ok {
		r = &state.MachineResult{}
		js.Results[msg.Machine] = r
	}
	if !r.Terminal() {
		r.Starttime = cmpStarttime(r.Starttime, msg.Timestamp)
		r.Endtime = msg.Timestamp
		r.Retcode = 255
		r.RetcodeSet = true
		r.Ret += fmt.Sprintf("Wrapper error: %s", msg.Error)
	}
	lock.Unlock()

	s.connsMu.Lock()
	delete(s.conns, connKey(msg.JobInstance, msg.Machine))
	s.connsMu.Unlock()
}

func cmpStarttime(existing, fallback string) string {
	if existing != "" {
		return existing
	}
	return fallback
}

// connForKey returns the live connection for an (instance, machine) pair,
// used by KillManager to send outbound kill messages.
func (s *Server) connForKey(jobInstance, machine string) *connState {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.conns[connKey(jobInstance, machine)]
}

// liveConnectionMachines returns every machine with an active connection
// for instances of the given cron name, used by KillManager to gather
// kill targets alongside non-terminal entries in the job's results.
func (s *Server) liveConnectionMachines(cronName string) map[string]string {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make(map[string]string)
	for _, cs := range s.conns {
		if cs.jobName == cronName {
			out[cs.machine] = cs.jobInstance
		}
	}
	return out
}
