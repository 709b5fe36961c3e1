// Package uiendpoint implements C5: the HTTP+WebSocket surface an operator
// console talks to. It serves point-in-time snapshots over plain HTTP and
// a subscription-based push feed over WebSocket, and turns operator
// intents into commands on the shared queue the scheduler and machine
// endpoint drain.
package uiendpoint

// inboundEnvelope is the shape every client->server WebSocket message is
// decoded into before dispatch on Type.
type inboundEnvelope struct {
	Type string `json:"type"`

	// subscribe / unsubscribe
	Name  string   `json:"name,omitempty"`
	Names []string `json:"names,omitempty"`

	// ack
	Cron     string `json:"cron,omitempty"`
	Machine  string `json:"machine,omitempty"`
	Position int    `json:"position,omitempty"`

	// run / killCron
	CronName string `json:"cronName,omitempty"`

	// killMachine
	Instance string `json:"instance,omitempty"`

	// getTimeline
	Params map[string]string `json:"params,omitempty"`
}

const (
	inSubscribe    = "subscribe"
	inUnsubscribe  = "unsubscribe"
	inAck          = "ack"
	inRun          = "run"
	inKillCron     = "killCron"
	inKillMachine  = "killMachine"
	inGetTimeline  = "getTimeline"
)

// outboundEnvelope is the shape of every server->client push. Only the
// fields relevant to Type are populated.
type outboundEnvelope struct {
	Type string `json:"type"`

	// config
	Config  map[string]cronDefView `json:"config,omitempty"`
	Version string                 `json:"version,omitempty"`

	// status
	Running   []runningView        `json:"running,omitempty"`
	LastState map[string]lastState `json:"last_state,omitempty"`

	// details (per subscribed cron, output omitted)
	Cron string `json:"cron,omitempty"`

	// output_chunk
	Machine     string `json:"machine,omitempty"`
	Chunk       string `json:"chunk,omitempty"`
	Position    int    `json:"position,omitempty"`
	TotalLength int    `json:"total_length,omitempty"`
	IsComplete  bool   `json:"is_complete,omitempty"`

	// timeline
	Timeline *timelineView `json:"timeline,omitempty"`
}

const (
	outConfig      = "config"
	outStatus      = "status"
	outDetails     = "details"
	outOutputChunk = "output_chunk"
	outTimeline    = "timeline"
)

// lastState is the {last_run, result_ok} pair reported per cron in every
// status push.
type lastState struct {
	LastRun   string `json:"last_run"`
	ResultOK  bool   `json:"result_ok"`
}

// runningView is the JSON-facing projection of a state.RunningInstance.
type runningView struct {
	InstanceID string   `json:"instance_id"`
	Name       string   `json:"name"`
	Started    string   `json:"started"`
	Machines   []string `json:"machines"`
}

// cronDefView is the JSON-facing projection of a config.CronDef, used by
// both GET /config and the config push.
type cronDefView struct {
	Sec, Min, Hour, Dom, Mon, Dow, Year string
	Command, Cwd, User                  string
	Targets                             []string
	TargetType                          string `json:"target_type"`
	NumberOfTargets                     int    `json:"number_of_targets"`
	SoftTimeout                         int    `json:"soft_timeout"`
	HardTimeout                         int    `json:"hard_timeout"`
	Group                               string
}

// timelineView is the JSON-facing projection of a state.Timeline.
type timelineView struct {
	ID      string              `json:"id"`
	Entries []timelineEntryView `json:"entries"`
}

type timelineEntryView struct {
	CronName  string `json:"cron_name"`
	Instance  string `json:"instance"`
	Machine   string `json:"machine"`
	Starttime string `json:"starttime"`
	Endtime   string `json:"endtime"`
	Retcode   int    `json:"retcode"`
}
