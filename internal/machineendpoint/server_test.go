package machineendpoint

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/syscollective/saltpeter/internal/state"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *state.Store) {
	t.Helper()
	st := state.New()
	srv := NewServer(st, zerolog.Nop(), 30*time.Second, 5*time.Second, 500*time.Millisecond)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts, st
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	var msg OutboundMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestConnectAcks(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))

	msg := readMsg(t, conn)
	require.Equal(t, MsgAck, msg.Type)
	require.Equal(t, AckTypeConnect, msg.AckType)
}

func TestStartDropsForUnknownInstance(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn) // connect ack

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgStart, JobName: "foo", JobInstance: "foo:1", Machine: "a", Timestamp: "t0"}))

	// No start ack should arrive: confirm there is nothing to read
	// within the deadline.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg OutboundMessage
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "expected no ack for start against an unknown instance")
}

func TestStartAcksForKnownInstance(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgStart, JobName: "foo", JobInstance: "foo:1", Machine: "a", Timestamp: "t0"}))
	msg := readMsg(t, conn)
	require.Equal(t, MsgAck, msg.Type)
	require.Equal(t, AckTypeStart, msg.AckType)
}

func TestOutputInOrderAppendsAndAcks(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgOutput, JobName: "foo", JobInstance: "foo:1", Machine: "a", Seq: 0, Data: "hello "}))
	msg := readMsg(t, conn)
	require.Equal(t, MsgAck, msg.Type)
	require.Equal(t, 0, *msg.Seq)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgOutput, JobName: "foo", JobInstance: "foo:1", Machine: "a", Seq: 1, Data: "world"}))
	msg = readMsg(t, conn)
	require.Equal(t, 1, *msg.Seq)

	// The ack is sent before the state write, so wait for the write.
	require.Eventually(t, func() bool {
		lock := st.CronLock("foo")
		lock.Lock()
		defer lock.Unlock()
		return st.Job("foo").Results["a"].Ret == "hello world"
	}, time.Second, 10*time.Millisecond)
}

func TestOutputDuplicateIsAckedAndDropped(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgOutput, JobName: "foo", JobInstance: "foo:1", Machine: "a", Seq: 0, Data: "hello"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgOutput, JobName: "foo", JobInstance: "foo:1", Machine: "a", Seq: 0, Data: "hello-again"}))
	msg := readMsg(t, conn)
	require.Equal(t, MsgAck, msg.Type)
	require.Equal(t, 0, *msg.Seq)

	require.Equal(t, "hello", st.Job("foo").Results["a"].Ret, "duplicate seq must not mutate state again")
}

func TestOutputGapIsNacked(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgOutput, JobName: "foo", JobInstance: "foo:1", Machine: "a", Seq: 5, Data: "oops"}))
	msg := readMsg(t, conn)
	require.Equal(t, MsgNack, msg.Type)
	require.Equal(t, NackTypeOutOfOrder, msg.NackType)
	require.Equal(t, 0, *msg.ExpectedSeq)
	require.Equal(t, 5, *msg.ReceivedSeq)
}

func TestCompleteIsTerminalStickyAgainstLaterComplete(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{Starttime: "t0"}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	retcode := 0
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgComplete, JobName: "foo", JobInstance: "foo:1", Machine: "a", Timestamp: "t1", Retcode: &retcode, Seq: 2}))
	readMsg(t, conn)

	stale := 99
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgComplete, JobName: "foo", JobInstance: "foo:1", Machine: "a", Timestamp: "t2", Retcode: &stale, Seq: 3}))
	readMsg(t, conn)

	r := st.Job("foo").Results["a"]
	require.Equal(t, "t1", r.Endtime, "endtime must not move once terminal")
	require.Equal(t, 0, r.Retcode, "retcode must not be overwritten once terminal")
}

func TestErrorFinalizesWithRetcode255(t *testing.T) {
	_, ts, st := newTestServer(t)
	st.AddRunning(&state.RunningInstance{InstanceID: "foo:1", Name: "foo", Machines: []string{"a"}})
	st.Job("foo").Results["a"] = &state.MachineResult{Starttime: "t0"}

	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgConnect, JobName: "foo", JobInstance: "foo:1", Machine: "a"}))
	readMsg(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgError, JobName: "foo", JobInstance: "foo:1", Machine: "a", Timestamp: "t1", Error: "ssh broke"}))

	require.Eventually(t, func() bool {
		r := st.Job("foo").Results["a"]
		return r.Terminal() && r.Retcode == 255
	}, time.Second, 10*time.Millisecond)

	r := st.Job("foo").Results["a"]
	require.Contains(t, r.Ret, "ssh broke")
}
