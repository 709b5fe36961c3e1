// Package wrapperagent implements C3: the process that runs on each
// target machine, executes the job's command, and streams its progress
// back to the machine endpoint over a long-lived connection.
package wrapperagent

// inboundMessage mirrors machineendpoint's OutboundMessage shape — what
// the wrapper receives from the server.
type inboundMessage struct {
	Type string `json:"type"`

	AckType string `json:"ack_type,omitempty"`
	Seq     *int   `json:"seq,omitempty"`

	NackType    string `json:"nack_type,omitempty"`
	ExpectedSeq *int   `json:"expected_seq,omitempty"`
	ReceivedSeq *int   `json:"received_seq,omitempty"`

	LastSeq *int `json:"last_seq,omitempty"`

	JobName     string `json:"job_name,omitempty"`
	JobInstance string `json:"job_instance,omitempty"`
	Machine     string `json:"machine,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

const (
	msgAck          = "ack"
	msgNack         = "nack"
	msgKill         = "kill"
	msgSyncResponse = "sync_response"
)

// outboundMessage mirrors machineendpoint's InboundMessage shape — what
// the wrapper sends to the server.
type outboundMessage struct {
	Type        string `json:"type"`
	JobName     string `json:"job_name"`
	JobInstance string `json:"job_instance"`
	Machine     string `json:"machine"`
	Timestamp   string `json:"timestamp"`

	PID     int    `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`

	Seq    int    `json:"seq,omitempty"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`

	Retcode *int `json:"retcode,omitempty"`

	LastAckedSeq int `json:"last_acked_seq,omitempty"`
	NextSeq      int `json:"next_seq,omitempty"`

	Error string `json:"error,omitempty"`
}

const (
	msgConnect     = "connect"
	msgStart       = "start"
	msgHeartbeat   = "heartbeat"
	msgOutput      = "output"
	msgSyncRequest = "sync_request"
	msgComplete    = "complete"
	msgKilled      = "killed"
	msgError       = "error"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

func intPtr(i int) *int { return &i }
