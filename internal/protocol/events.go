package protocol

import "encoding/json"

// Event types (runner → app)
const (
	EventAck               = "ack"
	EventLogChunk          = "log-chunk"
	EventPortDetected      = "port-detected"
	EventPortConflict      = "port-conflict"
	EventTunnelCreated     = "tunnel-created"
	EventTunnelClosed      = "tunnel-closed"
	EventProcessExited     = "process-exited"
	EventBuildProgress     = "build-progress"
	EventBuildCompleted    = "build-completed"
	EventBuildFailed       = "build-failed"
	EventRunnerStatus      = "runner-status"
	EventBuildStream       = "build-stream"
	EventProjectMetadata   = "project-metadata"
	EventFilesDeleted      = "files-deleted"
	EventFileContent       = "file-content"
	EventFileWritten       = "file-written"
	EventFileList          = "file-list"
	EventDevServerError    = "dev-server-error"
	EventAutofixStarted    = "autofix-started"
	EventHTTPProxyResponse = "http-proxy-response"
	EventHTTPProxyChunk    = "http-proxy-chunk"
	EventHTTPProxyError    = "http-proxy-error"
	EventHMRConnected      = "hmr-connected"
	EventHMRMessage        = "hmr-message"
	EventHMRDisconnected   = "hmr-disconnected"
	EventHMRError          = "hmr-error"
	EventError             = "error"
)

var eventTypes = map[string]struct{}{
	EventAck:               {},
	EventLogChunk:          {},
	EventPortDetected:      {},
	EventPortConflict:      {},
	EventTunnelCreated:     {},
	EventTunnelClosed:      {},
	EventProcessExited:     {},
	EventBuildProgress:     {},
	EventBuildCompleted:    {},
	EventBuildFailed:       {},
	EventRunnerStatus:      {},
	EventBuildStream:       {},
	EventProjectMetadata:   {},
	EventFilesDeleted:      {},
	EventFileContent:       {},
	EventFileWritten:       {},
	EventFileList:          {},
	EventDevServerError:    {},
	EventAutofixStarted:    {},
	EventHTTPProxyResponse: {},
	EventHTTPProxyChunk:    {},
	EventHTTPProxyError:    {},
	EventHMRConnected:      {},
	EventHMRMessage:        {},
	EventHMRDisconnected:   {},
	EventHMRError:          {},
	EventError:             {},
}

// IsEventType reports whether t is a known event discriminator.
func IsEventType(t string) bool {
	_, ok := eventTypes[t]
	return ok
}

// AckPayload confirms a command was received by the runner.
type AckPayload struct {
	Message string `json:"message,omitempty"`
}

// LogLine is one buffered runner log line.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Line      string `json:"line"`
}

// LogChunkPayload answers fetch-logs with a page of buffered lines.
// NextCursor resumes pagination; it equals Cursor when nothing new
// arrived.
type LogChunkPayload struct {
	Cursor     int64     `json:"cursor"`
	NextCursor int64     `json:"nextCursor"`
	Lines      []LogLine `json:"lines"`
}

// PortDetectedPayload reports the port a dev server bound to.
type PortDetectedPayload struct {
	Port int    `json:"port"`
	URL  string `json:"url,omitempty"`
}

// PortConflictPayload reports that the preferred port was taken.
type PortConflictPayload struct {
	Port    int    `json:"port"`
	Message string `json:"message,omitempty"`
}

// TunnelCreatedPayload reports a public tunnel URL for a runner port.
type TunnelCreatedPayload struct {
	Port int    `json:"port"`
	URL  string `json:"url,omitempty"`
}

// TunnelClosedPayload reports a tunnel teardown.
type TunnelClosedPayload struct {
	Port int `json:"port"`
}

// ProcessExitedPayload reports a supervised process exiting.
type ProcessExitedPayload struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// BuildProgressPayload reports coarse build progress.
type BuildProgressPayload struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// BuildCompletedPayload reports a build finishing.
type BuildCompletedPayload struct {
	Status  string `json:"status,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// BuildFailedPayload reports a build error.
type BuildFailedPayload struct {
	Error string `json:"error"`
}

// RunnerStatusPayload answers runner-health-check.
type RunnerStatusPayload struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds,omitempty"`
	ActiveBuilds  int    `json:"activeBuilds,omitempty"`
}

// BuildStreamPayload carries one agent stream chunk. The broker passes
// the data through without interpreting it.
type BuildStreamPayload struct {
	Data json.RawMessage `json:"data"`
}

// ProjectMetadataPayload carries app-defined project metadata verbatim.
type ProjectMetadataPayload struct {
	Metadata json.RawMessage `json:"metadata"`
}

// FilesDeletedPayload confirms a workspace deletion.
type FilesDeletedPayload struct {
	Slug string `json:"slug"`
}

// FileContentPayload answers read-file.
type FileContentPayload struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// FileWrittenPayload confirms write-file.
type FileWrittenPayload struct {
	FilePath string `json:"filePath"`
}

// FileEntry is one directory entry in a file-list payload.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// FileListPayload answers list-files.
type FileListPayload struct {
	Path    string      `json:"path,omitempty"`
	Entries []FileEntry `json:"entries"`
}

// DevServerErrorPayload reports a dev server failure.
type DevServerErrorPayload struct {
	Error string `json:"error"`
}

// AutofixStartedPayload announces an automatic fix attempt for a build
// error.
type AutofixStartedPayload struct {
	Error string `json:"error,omitempty"`
}

// HTTPProxyResponsePayload answers http-proxy-request. With IsChunked
// the body follows in http-proxy-chunk events instead.
type HTTPProxyResponsePayload struct {
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	IsChunked  bool              `json:"isChunked"`
	Body       string            `json:"body,omitempty"`
}

// HTTPProxyChunkPayload carries one base64 body chunk of a chunked
// proxy response. Chunks should stay at or under 64 KB of decoded data.
type HTTPProxyChunkPayload struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"`
	IsFinal   bool   `json:"isFinal"`
}

// HTTPProxyErrorPayload fails a pending proxy request.
type HTTPProxyErrorPayload struct {
	RequestID  string `json:"requestId"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error"`
}

// HMRConnectedPayload confirms an hmr-connect.
type HMRConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// HMRDisconnectedPayload reports a tunneled HMR socket closing.
type HMRDisconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// HMRErrorPayload reports a tunneled HMR socket failure.
type HMRErrorPayload struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// ErrorPayload is the generic command failure event.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
