package uiendpoint

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/syscollective/saltpeter/internal/config"
	"github.com/syscollective/saltpeter/internal/state"
)

// Server is the operator-facing HTTP+WebSocket surface. It wraps
// echo.Echo with CORS and a hidden banner/port, and implements
// http.Handler so it can be mounted directly on an http.Server by the
// daemon command.
type Server struct {
	echo  *echo.Echo
	store *state.Store
	log   zerolog.Logger

	upgrader websocket.Upgrader

	version   string
	lastBuild string

	broadcastInterval time.Duration
}

// NewServer constructs the UI endpoint. broadcastInterval is the 2s push
// cadence; version/lastBuild answer GET /version.
func NewServer(store *state.Store, logger zerolog.Logger, version, lastBuild string, broadcastInterval time.Duration) *Server {
	s := &Server{
		store: store,
		log:   logger.With().Str("component", "ui-endpoint").Logger(),
		upgrader: websocket.Upgrader{
			// Client auth is out of scope; this is an operator-local
			// control plane.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		version:           version,
		lastBuild:         lastBuild,
		broadcastInterval: broadcastInterval,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	e.Use(middleware.Recover())

	e.GET("/version", s.handleVersion)
	e.GET("/config", s.handleConfig)
	e.GET("/running", s.handleRunning)
	e.GET("/timeline", s.handleTimeline)
	e.GET("/ws", s.handleWebSocket)

	s.echo = e
	return s
}

// ServeHTTP lets Server be mounted directly on an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version":    s.version,
		"last_build": s.lastBuild,
	})
}

func (s *Server) handleConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, configView(s.store.Config()))
}

func (s *Server) handleRunning(c echo.Context) error {
	return c.JSON(http.StatusOK, runningViews(s.store.AllRunning()))
}

func (s *Server) handleTimeline(c echo.Context) error {
	return c.JSON(http.StatusOK, toTimelineView(s.store.Timeline()))
}

func configView(snap *config.Snapshot) map[string]cronDefView {
	out := make(map[string]cronDefView, len(snap.Crons))
	for name, def := range snap.Crons {
		out[name] = cronDefView{
			Sec: def.Sec, Min: def.Min, Hour: def.Hour, Dom: def.Dom, Mon: def.Mon, Dow: def.Dow, Year: def.Year,
			Command: def.Command, Cwd: def.Cwd, User: def.User,
			Targets: def.Targets, TargetType: def.TargetType, NumberOfTargets: def.NumberOfTargets,
			SoftTimeout: def.SoftTimeout, HardTimeout: def.HardTimeout,
			Group: def.Group,
		}
	}
	return out
}

func runningViews(in []*state.RunningInstance) []runningView {
	out := make([]runningView, 0, len(in))
	for _, ri := range in {
		out = append(out, runningView{
			InstanceID: ri.InstanceID,
			Name:       ri.Name,
			Started:    ri.Started.UTC().Format(time.RFC3339),
			Machines:   append([]string(nil), ri.Machines...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func toTimelineView(t *state.Timeline) timelineView {
	tv := timelineView{ID: t.ID}
	for _, e := range t.Entries {
		tv.Entries = append(tv.Entries, timelineEntryView{
			CronName: e.CronName, Instance: e.Instance, Machine: e.Machine,
			Starttime: e.Starttime, Endtime: e.Endtime, Retcode: e.Retcode,
		})
	}
	return tv
}

// wsClient is one operator connection's subscription and cursor state, as
// laid out for /ws: subscriptions, output_positions, and the last
// broadcast config/timeline identifiers the client has seen.
type wsClient struct {
	// id correlates one operator connection's log lines across its
	// lifetime.
	id uuid.UUID

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu              sync.Mutex
	subscriptions   map[string]bool
	outputPositions map[string]map[string]int
	lastCfgSerial   string
	lastTmlID       string
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:              uuid.New(),
		conn:            conn,
		subscriptions:   make(map[string]bool),
		outputPositions: make(map[string]map[string]int),
	}
}

func (c *wsClient) send(msg outboundEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}
	defer conn.Close()

	client := newWSClient(conn)
	s.log.Info().Str("conn_id", client.id.String()).Msg("operator connected")
	defer s.log.Info().Str("conn_id", client.id.String()).Msg("operator disconnected")

	done := make(chan struct{})
	go s.broadcastLoop(client, done)
	defer close(done)

	for {
		var env inboundEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return nil
		}
		s.handleInbound(client, env)
	}
}

func (s *Server) handleInbound(client *wsClient, env inboundEnvelope) {
	switch env.Type {
	case inSubscribe:
		s.subscribe(client, namesOf(env))
	case inUnsubscribe:
		s.unsubscribe(client, namesOf(env))
	case inAck:
		// Advisory only; the server remains authoritative over cursors.
		s.log.Debug().Str("cron", env.Cron).Str("machine", env.Machine).Int("position", env.Position).Msg("client ack")
	case inRun:
		s.store.PushCommand(&state.Command{Kind: state.CommandRunNow, CronName: env.CronName})
	case inKillCron:
		s.store.PushCommand(&state.Command{Kind: state.CommandKillCron, CronName: env.CronName})
	case inKillMachine:
		s.enqueueKillMachine(env)
	case inGetTimeline:
		s.store.PushCommand(&state.Command{Kind: state.CommandGetTimeline, TimelineParams: env.Params})
	default:
		s.log.Warn().Str("type", env.Type).Msg("unrecognized ui message type")
	}
}

func namesOf(env inboundEnvelope) []string {
	if env.Name != "" {
		return []string{env.Name}
	}
	return env.Names
}

func (s *Server) subscribe(client *wsClient, names []string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	for _, n := range names {
		if !client.subscriptions[n] {
			client.subscriptions[n] = true
			client.outputPositions[n] = make(map[string]int)
		}
	}
}

func (s *Server) unsubscribe(client *wsClient, names []string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	for _, n := range names {
		delete(client.subscriptions, n)
		delete(client.outputPositions, n)
	}
}

// enqueueKillMachine resolves the target instance from the running table
// when the client omits it, then enqueues a killmachine command.
func (s *Server) enqueueKillMachine(env inboundEnvelope) {
	instance := env.Instance
	if instance == "" {
		for _, ri := range s.store.RunningByName(env.CronName) {
			for _, m := range ri.Machines {
				if m == env.Machine {
					instance = ri.InstanceID
					break
				}
			}
			if instance != "" {
				break
			}
		}
	}
	s.store.PushCommand(&state.Command{
		Kind:       state.CommandKillMachine,
		CronName:   env.CronName,
		Machine:    env.Machine,
		InstanceID: instance,
	})
}

// broadcastLoop pushes config/status/details/output_chunk/timeline
// updates every broadcastInterval until done is closed.
func (s *Server) broadcastLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.broadcastOnce(client)
		}
	}
}

func (s *Server) broadcastOnce(client *wsClient) {
	s.pushConfigIfChanged(client)
	s.pushStatus(client)
	s.pushSubscribedDetails(client)
	s.pushTimelineIfChanged(client)
}

func (s *Server) pushConfigIfChanged(client *wsClient) {
	snap := s.store.Config()

	client.mu.Lock()
	changed := snap.Serial != client.lastCfgSerial
	if changed {
		client.lastCfgSerial = snap.Serial
	}
	client.mu.Unlock()

	if !changed {
		return
	}
	_ = client.send(outboundEnvelope{Type: outConfig, Config: configView(snap), Version: s.version})
}

func (s *Server) pushStatus(client *wsClient) {
	running := runningViews(s.store.AllRunning())

	runningNames := make(map[string]bool, len(running))
	for _, r := range running {
		runningNames[r.Name] = true
	}

	states := make(map[string]lastState)
	for _, name := range s.store.JobNames() {
		lock := s.store.CronLock(name)
		lock.Lock()
		js := s.store.Job(name)
		resultOK := js.LastSuccess
		if runningNames[name] {
			resultOK = true
		}
		lastRun := ""
		if js.LastRunSet {
			lastRun = js.LastRun.UTC().Format(time.RFC3339)
		}
		lock.Unlock()
		states[name] = lastState{LastRun: lastRun, ResultOK: resultOK}
	}

	_ = client.send(outboundEnvelope{Type: outStatus, Running: running, LastState: states})
}

// pushSubscribedDetails sends one details message per subscribed cron
// plus output_chunk messages for bytes past the client's cursor. A
// shorter stored output than the cursor means a new instance has begun;
// the cursor resets to 0 and the chunk is resent from the start.
func (s *Server) pushSubscribedDetails(client *wsClient) {
	client.mu.Lock()
	names := make([]string, 0, len(client.subscriptions))
	for n := range client.subscriptions {
		names = append(names, n)
	}
	client.mu.Unlock()

	for _, name := range names {
		_ = client.send(outboundEnvelope{Type: outDetails, Cron: name})

		lock := s.store.CronLock(name)
		lock.Lock()
		js := s.store.Job(name)
		machines := make([]string, 0, len(js.Results))
		for m := range js.Results {
			machines = append(machines, m)
		}
		sort.Strings(machines)

		type outputSnapshot struct {
			machine string
			ret     string
			done    bool
		}
		snapshots := make([]outputSnapshot, 0, len(machines))
		for _, m := range machines {
			r := js.Results[m]
			snapshots = append(snapshots, outputSnapshot{machine: m, ret: r.Ret, done: r.Terminal()})
		}
		lock.Unlock()

		type pendingChunk struct {
			machine                         string
			chunk                           string
			position, totalLength           int
			isComplete                      bool
		}
		var pending []pendingChunk

		client.mu.Lock()
		positions, ok := client.outputPositions[name]
		if !ok {
			positions = make(map[string]int)
			client.outputPositions[name] = positions
		}
		for _, snap := range snapshots {
			cursor := positions[snap.machine]
			if len(snap.ret) < cursor {
				cursor = 0
			}
			if cursor < len(snap.ret) {
				pending = append(pending, pendingChunk{
					machine: snap.machine, chunk: snap.ret[cursor:],
					position: cursor, totalLength: len(snap.ret), isComplete: snap.done,
				})
				positions[snap.machine] = len(snap.ret)
			}
		}
		client.mu.Unlock()

		for _, p := range pending {
			_ = client.send(outboundEnvelope{
				Type:        outOutputChunk,
				Cron:        name,
				Machine:     p.machine,
				Chunk:       p.chunk,
				Position:    p.position,
				TotalLength: p.totalLength,
				IsComplete:  p.isComplete,
			})
		}
	}
}

func (s *Server) pushTimelineIfChanged(client *wsClient) {
	t := s.store.Timeline()

	client.mu.Lock()
	changed := t.ID != client.lastTmlID
	if changed {
		client.lastTmlID = t.ID
	}
	client.mu.Unlock()

	if !changed {
		return
	}
	tv := toTimelineView(t)
	_ = client.send(outboundEnvelope{Type: outTimeline, Timeline: &tv})
}
