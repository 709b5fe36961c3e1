package wrapperagent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval = 5 * time.Second
	softKillWait      = 5 * time.Second
)

// Config is everything the wrapper CLI parses off argv.
type Config struct {
	EndpointURL string
	JobName     string
	JobInstance string
	Machine     string
	Command     string
	Cwd         string
	User        string
	Version     string
}

// chunk is one buffered, possibly-unacked output record, kept so a nack
// or a sync_response can trigger a replay from the server's last known
// point.
type chunk struct {
	seq    int
	stream string
	data   string
}

// Agent runs the job's command and speaks the wrapper side of the
// machine endpoint's protocol for its lifetime. The connection has
// exactly one reader (the loop started in Run) and any number of
// writers serialized through connMu, matching gorilla/websocket's
// concurrency contract.
type Agent struct {
	cfg Config
	log zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	outMu        sync.Mutex
	nextSeq      int
	lastAckedSeq int
	inflight     []chunk
	lastSend     time.Time

	handshakeAcks chan inboundMessage
	childCmd      atomic.Pointer[exec.Cmd]

	killOnce sync.Once
}

// New constructs an Agent for one job/instance/machine run.
func New(cfg Config, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:           cfg,
		log:           log.With().Str("component", "wrapper").Str("job", cfg.JobName).Str("instance", cfg.JobInstance).Logger(),
		lastAckedSeq:  -1,
		handshakeAcks: make(chan inboundMessage, 1),
	}
}

// Run executes the full wrapper protocol: connect, spawn, stream output,
// heartbeat, react to kill, complete. It returns once the child has
// exited and completion has been acknowledged (or the context expires).
func (a *Agent) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.EndpointURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	readDone := a.readLoop()

	if err := a.handshake(msgConnect, outboundMessage{
		Type:        msgConnect,
		JobName:     a.cfg.JobName,
		JobInstance: a.cfg.JobInstance,
		Machine:     a.cfg.Machine,
		Timestamp:   nowRFC3339(),
	}, "connect"); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	cmd, stdout, stderr, err := a.startChild(ctx)
	if err != nil {
		_ = a.sendError(err)
		return fmt.Errorf("start child: %w", err)
	}
	a.childCmd.Store(cmd)

	if err := a.handshake(msgStart, outboundMessage{
		Type:        msgStart,
		JobName:     a.cfg.JobName,
		JobInstance: a.cfg.JobInstance,
		Machine:     a.cfg.Machine,
		Timestamp:   nowRFC3339(),
		PID:         cmd.Process.Pid,
		Version:     a.cfg.Version,
	}, "start"); err != nil {
		return fmt.Errorf("start handshake: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go a.pumpStream(&wg, streamStdout, stdout)
	go a.pumpStream(&wg, streamStderr, stderr)

	heartbeatDone := make(chan struct{})
	go a.heartbeatLoop(heartbeatDone)

	wg.Wait() // both stdout and stderr pipes closed
	waitErr := cmd.Wait()
	close(heartbeatDone)

	retcode := exitCode(waitErr)
	if err := a.handshake(msgComplete, outboundMessage{
		Type:        msgComplete,
		JobName:     a.cfg.JobName,
		JobInstance: a.cfg.JobInstance,
		Machine:     a.cfg.Machine,
		Timestamp:   nowRFC3339(),
		Retcode:     intPtr(retcode),
	}, "complete"); err != nil {
		a.log.Warn().Err(err).Msg("failed to send complete")
	}

	_ = conn.Close()
	<-readDone
	return nil
}

// handshake sends msg and blocks until the read loop delivers the
// matching ack on handshakeAcks, or the connection dies.
func (a *Agent) handshake(msgType string, msg outboundMessage, wantAckType string) error {
	if err := a.write(msg); err != nil {
		return err
	}
	ack, ok := <-a.handshakeAcks
	if !ok {
		return fmt.Errorf("connection closed awaiting %s ack", msgType)
	}
	if ack.Type != msgAck || ack.AckType != wantAckType {
		return fmt.Errorf("unexpected reply to %s: %+v", msgType, ack)
	}
	return nil
}

func (a *Agent) startChild(ctx context.Context) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", a.cfg.Command)
	if a.cfg.Cwd != "" {
		cmd.Dir = a.cfg.Cwd
	}
	if a.cfg.User != "" {
		if err := dropPrivileges(cmd, a.cfg.User); err != nil {
			return nil, nil, nil, err
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

// pumpStream reads line-granular chunks from one of the child's pipes and
// queues them for send. Both stdout and stderr pumps share the outbound
// sequence counter via a.outMu, so interleaved chunks still get strictly
// increasing sequence numbers.
func (a *Agent) pumpStream(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			a.sendOutput(stream, line)
		}
		if err != nil {
			return
		}
	}
}

func (a *Agent) sendOutput(stream, data string) {
	a.outMu.Lock()
	seq := a.nextSeq
	a.nextSeq++
	a.inflight = append(a.inflight, chunk{seq: seq, stream: stream, data: data})
	a.outMu.Unlock()

	_ = a.write(outboundMessage{
		Type:        msgOutput,
		JobName:     a.cfg.JobName,
		JobInstance: a.cfg.JobInstance,
		Machine:     a.cfg.Machine,
		Timestamp:   nowRFC3339(),
		Seq:         seq,
		Stream:      stream,
		Data:        data,
	})
}

// readLoop is the connection's single reader for its whole lifetime.
// Handshake acks (connect/start/complete) are forwarded to
// handshakeAcks; output acks/nacks and kill/sync_response are handled
// inline. The child process is reached through childCmd since connect
// happens before it is spawned.
func (a *Agent) readLoop() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(a.handshakeAcks)
		for {
			var msg inboundMessage
			if err := a.conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case msgAck:
				if msg.AckType == "output" {
					if msg.Seq != nil {
						a.ackUpTo(*msg.Seq)
					}
					continue
				}
				a.handshakeAcks <- msg
			case msgNack:
				if msg.ExpectedSeq != nil {
					a.resendFrom(*msg.ExpectedSeq)
				}
			case msgKill:
				if cmd := a.childCmd.Load(); cmd != nil {
					a.handleKill(cmd)
				}
			case msgSyncResponse:
				if msg.LastSeq != nil {
					a.resendFrom(*msg.LastSeq + 1)
				}
			}
		}
	}()
	return done
}

func (a *Agent) ackUpTo(seq int) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if seq > a.lastAckedSeq {
		a.lastAckedSeq = seq
	}
	kept := a.inflight[:0]
	for _, c := range a.inflight {
		if c.seq > seq {
			kept = append(kept, c)
		}
	}
	a.inflight = kept
}

func (a *Agent) resendFrom(expected int) {
	a.outMu.Lock()
	var toResend []chunk
	for _, c := range a.inflight {
		if c.seq >= expected {
			toResend = append(toResend, c)
		}
	}
	a.outMu.Unlock()

	for _, c := range toResend {
		_ = a.write(outboundMessage{
			Type:        msgOutput,
			JobName:     a.cfg.JobName,
			JobInstance: a.cfg.JobInstance,
			Machine:     a.cfg.Machine,
			Timestamp:   nowRFC3339(),
			Seq:         c.seq,
			Stream:      c.stream,
			Data:        c.data,
		})
	}
}

// handleKill implements the soft-then-hard termination sequence: SIGTERM
// now, SIGKILL after softKillWait from a background goroutine, and killed
// reported right after the SIGTERM without waiting for the SIGKILL. The
// eventual child exit still produces the normal complete handshake.
func (a *Agent) handleKill(cmd *exec.Cmd) {
	a.killOnce.Do(func() {
		terminateSoft(cmd)
		go func() {
			time.Sleep(softKillWait)
			terminateHard(cmd)
		}()
		_ = a.write(outboundMessage{
			Type:        msgKilled,
			JobName:     a.cfg.JobName,
			JobInstance: a.cfg.JobInstance,
			Machine:     a.cfg.Machine,
			Timestamp:   nowRFC3339(),
		})
	})
}

func (a *Agent) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.outMu.Lock()
			idle := time.Since(a.lastSend) >= heartbeatInterval
			a.outMu.Unlock()
			if idle {
				_ = a.write(outboundMessage{
					Type:        msgHeartbeat,
					JobName:     a.cfg.JobName,
					JobInstance: a.cfg.JobInstance,
					Machine:     a.cfg.Machine,
					Timestamp:   nowRFC3339(),
				})
			}
		}
	}
}

func (a *Agent) sendError(cause error) error {
	return a.write(outboundMessage{
		Type:        msgError,
		JobName:     a.cfg.JobName,
		JobInstance: a.cfg.JobInstance,
		Machine:     a.cfg.Machine,
		Timestamp:   nowRFC3339(),
		Error:       cause.Error(),
	})
}

func (a *Agent) write(msg outboundMessage) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.outMu.Lock()
	a.lastSend = time.Now()
	a.outMu.Unlock()

	return a.conn.WriteJSON(msg)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 255
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }
