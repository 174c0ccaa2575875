package protocol

import "encoding/json"

// Command types (app → runner)
const (
	CmdStartBuild         = "start-build"
	CmdStartDevServer     = "start-dev-server"
	CmdStopDevServer      = "stop-dev-server"
	CmdStartTunnel        = "start-tunnel"
	CmdStopTunnel         = "stop-tunnel"
	CmdFetchLogs          = "fetch-logs"
	CmdRunnerHealthCheck  = "runner-health-check"
	CmdDeleteProjectFiles = "delete-project-files"
	CmdReadFile           = "read-file"
	CmdWriteFile          = "write-file"
	CmdListFiles          = "list-files"
	CmdHTTPProxyRequest   = "http-proxy-request"
	CmdHMRConnect         = "hmr-connect"
	CmdHMRMessage         = "hmr-message"
	CmdHMRDisconnect      = "hmr-disconnect"
)

var commandTypes = map[string]struct{}{
	CmdStartBuild:         {},
	CmdStartDevServer:     {},
	CmdStopDevServer:      {},
	CmdStartTunnel:        {},
	CmdStopTunnel:         {},
	CmdFetchLogs:          {},
	CmdRunnerHealthCheck:  {},
	CmdDeleteProjectFiles: {},
	CmdReadFile:           {},
	CmdWriteFile:          {},
	CmdListFiles:          {},
	CmdHTTPProxyRequest:   {},
	CmdHMRConnect:         {},
	CmdHMRMessage:         {},
	CmdHMRDisconnect:      {},
}

// IsCommandType reports whether t is a known command discriminator.
func IsCommandType(t string) bool {
	_, ok := commandTypes[t]
	return ok
}

// StartBuildPayload asks the runner to begin a build job. The broker
// does not interpret the agent-facing fields; they pass through verbatim.
type StartBuildPayload struct {
	Prompt              string          `json:"prompt"`
	OperationType       string          `json:"operationType"`
	ProjectSlug         string          `json:"projectSlug"`
	ProjectName         string          `json:"projectName"`
	Agent               string          `json:"agent,omitempty"`
	ClaudeModel         string          `json:"claudeModel,omitempty"`
	Template            string          `json:"template,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	ConversationHistory json.RawMessage `json:"conversationHistory,omitempty"`
	IsAutoFix           bool            `json:"isAutoFix,omitempty"`
	AutoFixError        string          `json:"autoFixError,omitempty"`
	CodexThreadID       string          `json:"codexThreadId,omitempty"`
}

// StartDevServerPayload asks the runner to launch a dev server process.
type StartDevServerPayload struct {
	RunCommand       string            `json:"runCommand"`
	WorkingDirectory string            `json:"workingDirectory"`
	Env              map[string]string `json:"env,omitempty"`
	PreferredPort    int               `json:"preferredPort,omitempty"`
	Framework        string            `json:"framework,omitempty"`
}

// StopDevServerPayload stops the project's dev server.
type StopDevServerPayload struct{}

// StartTunnelPayload opens a public tunnel to a runner-local port.
type StartTunnelPayload struct {
	Port int `json:"port"`
}

// StopTunnelPayload closes a previously opened tunnel.
type StopTunnelPayload struct {
	Port int `json:"port"`
}

// FetchLogsPayload requests buffered runner log lines. Cursor is the
// sequence number to resume from; zero means the oldest retained line.
type FetchLogsPayload struct {
	Cursor int64 `json:"cursor,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// RunnerHealthCheckPayload probes runner liveness and status.
type RunnerHealthCheckPayload struct{}

// DeleteProjectFilesPayload removes a project workspace on the runner.
type DeleteProjectFilesPayload struct {
	Slug string `json:"slug"`
}

// ReadFilePayload reads one file from a project workspace.
type ReadFilePayload struct {
	Slug     string `json:"slug"`
	FilePath string `json:"filePath"`
}

// WriteFilePayload writes one file into a project workspace.
type WriteFilePayload struct {
	Slug     string `json:"slug"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// ListFilesPayload lists a directory inside a project workspace.
type ListFilesPayload struct {
	Slug string `json:"slug"`
	Path string `json:"path,omitempty"`
}

// HTTPProxyRequestPayload forwards one HTTP request to the runner's
// loopback dev server. Body is base64.
type HTTPProxyRequestPayload struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
	Port      int               `json:"port"`
}

// HMRConnectPayload opens a tunneled WebSocket to the runner's dev
// server. ConnectionID is assigned by the caller and preserved
// end-to-end so frames from both directions correlate.
type HMRConnectPayload struct {
	ConnectionID string `json:"connectionId"`
	Port         int    `json:"port"`
	Protocol     string `json:"protocol,omitempty"`
}

// HMRMessagePayload relays one HMR frame. The same shape is used for the
// hmr-message command (browser → dev server) and event (dev server →
// browser).
type HMRMessagePayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}

// HMRDisconnectPayload tears down a tunneled HMR WebSocket.
type HMRDisconnectPayload struct {
	ConnectionID string `json:"connectionId"`
}
