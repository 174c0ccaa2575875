package protocol

// Subscriber socket message types. Heartbeat flows both directions: the
// hub pings idle clients and clients ping the hub.
const (
	MsgHeartbeat     = "heartbeat"
	MsgHeartbeatAck  = "heartbeat-ack"
	MsgSubscribe     = "subscribe"
	MsgGetState      = "get-state"
	MsgConnected     = "connected"
	MsgStateResponse = "state-response"
	MsgBatchUpdate   = "batch-update"
)

// Batch entry types carried inside a batch-update.
const (
	BatchBuildStarted  = "build-started"
	BatchTodosUpdate   = "todos-update"
	BatchTodoCompleted = "todo-completed"
	BatchToolCall      = "tool-call"
	BatchBuildComplete = "build-complete"
	BatchStateUpdate   = "state-update"
)

// ClientMessage is an inbound message from a browser subscriber
// (heartbeat, subscribe, get-state).
type ClientMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ConnectedMessage greets a subscriber right after the upgrade.
type ConnectedMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ControlMessage is a bare typed frame (heartbeat, heartbeat-ack,
// state-response).
type ControlMessage struct {
	Type string `json:"type"`
}

// BatchEntry is one broadcast inside a batch-update. Data is app-shaped;
// the broker never inspects it.
type BatchEntry struct {
	Type      string        `json:"type"`
	Data      any           `json:"data,omitempty"`
	Timestamp string        `json:"timestamp"`
	Trace     *TraceContext `json:"_trace,omitempty"`
}

// BatchUpdate carries every broadcast flushed for one
// (projectId, sessionId) pair, in broadcast order.
type BatchUpdate struct {
	Type      string       `json:"type"`
	ProjectID string       `json:"projectId"`
	SessionID string       `json:"sessionId,omitempty"`
	Events    []BatchEntry `json:"events"`
}

// BuildStartedData is the data of a build-started entry.
type BuildStartedData struct {
	BuildID string `json:"buildId"`
}

// TodosUpdateData is the data of a todos-update entry. Todos is the
// app's list shape, passed through verbatim.
type TodosUpdateData struct {
	Todos       any    `json:"todos"`
	ActiveIndex int    `json:"activeIndex"`
	Phase       string `json:"phase,omitempty"`
}

// TodoCompletedData is the data of a todo-completed entry.
type TodoCompletedData struct {
	TodoIndex int `json:"todoIndex"`
}

// ToolCall describes one tool invocation lifecycle update.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TodoIndex int    `json:"todoIndex"`
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
	State     string `json:"state"`
}

// BuildCompleteData is the data of a build-complete entry.
type BuildCompleteData struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}
