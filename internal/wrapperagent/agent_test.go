package wrapperagent

import (
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckUpToDropsConfirmedChunks(t *testing.T) {
	a := New(Config{}, zerolog.Nop())
	a.inflight = []chunk{{seq: 0}, {seq: 1}, {seq: 2}}

	a.ackUpTo(1)

	require.Len(t, a.inflight, 1)
	assert.Equal(t, 2, a.inflight[0].seq)
	assert.Equal(t, 1, a.lastAckedSeq)
}

func TestExitCodeMapsNormalAndAbnormalExit(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))

	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, 7, exitCode(err))
}

// fakeServer accepts one websocket connection and runs a minimal,
// scripted happy-path handshake: ack connect, ack start, ack every
// output, ack complete.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg outboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case msgConnect:
				_ = conn.WriteJSON(inboundMessage{Type: msgAck, AckType: "connect"})
			case msgStart:
				_ = conn.WriteJSON(inboundMessage{Type: msgAck, AckType: "start"})
			case msgOutput:
				_ = conn.WriteJSON(inboundMessage{Type: msgAck, AckType: "output", Seq: intPtr(msg.Seq)})
			case msgComplete:
				_ = conn.WriteJSON(inboundMessage{Type: msgAck, AckType: "complete"})
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunHappyPathCompletesAndAcks(t *testing.T) {
	ts := fakeServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	a := New(Config{
		EndpointURL: url,
		JobName:     "foo",
		JobInstance: "foo:1",
		Machine:     "a",
		Command:     "echo hi",
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- a.Run(t.Context()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper run did not complete in time")
	}
}
