package events

// Event pairs a name with its payload, as seen by OnAny handlers and the NATS bridge
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// RuntimeStateID is the id of runtime events describing deploy state
const RuntimeStateID = "runtime-state"

// Runtime states and deploy refusal reasons
const (
	StateStart = "start"
	StateStop  = "stop"

	ErrorMissingTypes   = "missing-types"
	ErrorMissingModules = "missing-modules"
	ErrorCredentials    = "credentials"
)

// Runtime is the payload of RuntimeEvent
type Runtime struct {
	ID      string       `json:"id"`
	Payload RuntimeState `json:"payload"`
	Retain  bool         `json:"retain,omitempty"`
}

// RuntimeState describes the state of the flow runtime after a deploy
type RuntimeState struct {
	State   string   `json:"state,omitempty"`
	Error   string   `json:"error,omitempty"`
	Type    string   `json:"type,omitempty"`
	Text    string   `json:"text,omitempty"`
	Types   []string `json:"types,omitempty"`
	Modules []string `json:"modules,omitempty"`
	Deploy  bool     `json:"deploy,omitempty"`
}

// TypeRegisteredPayload is the payload of TypeRegistered
type TypeRegisteredPayload struct {
	Type   string `json:"type"`
	Module string `json:"module"`
}

// FlowsPayload accompanies the flows:* lifecycle events
type FlowsPayload struct {
	Type string `json:"type"` // deploy type
	Rev  string `json:"rev,omitempty"`
	// Diff is set for partial deploys
	Diff *DiffSummary `json:"diff,omitempty"`
}

// DiffSummary lists what a partial deploy touched
type DiffSummary struct {
	Added   []string `json:"added,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Rewired []string `json:"rewired,omitempty"`
	Linked  []string `json:"linked,omitempty"`
}

// NodeStatusPayload is emitted whenever a node reports status
type NodeStatusPayload struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Flow   string `json:"z,omitempty"`
	Status any    `json:"status"`
}

// NodeErrorPayload is emitted for every node error, caught or not
type NodeErrorPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Flow    string `json:"z,omitempty"`
	Message string `json:"message"`
	MsgID   string `json:"msgid,omitempty"`
	Caught  bool   `json:"caught"`
}

// DebugPayload is emitted by debug nodes for each message they display
type DebugPayload struct {
	ID       string `json:"id"`
	Flow     string `json:"z,omitempty"`
	Name     string `json:"name,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Property string `json:"property"`
	Value    any    `json:"msg"`
}

// NotificationPayload is a notice for editors, such as a module being enabled
type NotificationPayload struct {
	ID   string `json:"id"` // e.g. node/enabled
	Data any    `json:"data,omitempty"`
}
