// Package machineendpoint implements C2: the ingress server wrappers
// connect to, one persistent bidirectional connection per
// (job_instance, machine).
package machineendpoint

// InboundMessage is the wire shape for every message a wrapper sends.
// Fields not relevant to a given Type are simply left zero; this mirrors
// the loosely-typed JSON dict dispatch of the original protocol while
// still giving Go callers a single concrete struct to decode into.
type InboundMessage struct {
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

// Inbound message type tags.
const (
	MsgConnect     = "connect"
	MsgStart       = "start"
	MsgHeartbeat   = "heartbeat"
	MsgOutput      = "output"
	MsgSyncRequest = "sync_request"
	MsgComplete    = "complete"
	MsgKilled      = "killed"
	MsgError       = "error"
)

// OutboundMessage is the wire shape for every message the machine
// endpoint sends back. Only the fields relevant to Type are populated.
type OutboundMessage struct {
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

// Outbound message type tags.
const (
	MsgAck          = "ack"
	MsgNack         = "nack"
	MsgKill         = "kill"
	MsgSyncResponse = "sync_response"
)

// Ack/nack sub-types. Ack types: connect, start, output, complete.
// Nack types: out_of_order (with expected_seq).
const (
	AckTypeConnect  = "connect"
	AckTypeStart    = "start"
	AckTypeOutput   = "output"
	AckTypeComplete = "complete"

	NackTypeOutOfOrder = "out_of_order"
)

func intPtr(i int) *int { return &i }
