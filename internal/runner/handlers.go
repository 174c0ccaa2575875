package runner

import (
	"context"
	"time"

	"github.com/runwire-dev/runwire/internal/protocol"
)

// initHandlers wires the command table. Build, dev server, and tunnel
// commands go to the executor; everything else the client answers
// itself.
func (c *Client) initHandlers() {
	c.handlers = map[string]commandHandler{
		protocol.CmdRunnerHealthCheck: c.handleHealthCheck,
		protocol.CmdFetchLogs:         c.handleFetchLogs,

		protocol.CmdReadFile:           c.handleReadFile,
		protocol.CmdWriteFile:          c.handleWriteFile,
		protocol.CmdListFiles:          c.handleListFiles,
		protocol.CmdDeleteProjectFiles: c.handleDeleteProjectFiles,

		protocol.CmdHTTPProxyRequest: c.handleHTTPProxyRequest,
		protocol.CmdHMRConnect:       c.handleHMRConnect,
		protocol.CmdHMRMessage:       c.handleHMRMessage,
		protocol.CmdHMRDisconnect:    c.handleHMRDisconnect,

		protocol.CmdStartBuild:     c.delegate,
		protocol.CmdStartDevServer: c.delegate,
		protocol.CmdStopDevServer:  c.delegate,
		protocol.CmdStartTunnel:    c.delegate,
		protocol.CmdStopTunnel:     c.delegate,
	}
}

// delegate hands a command to the configured executor.
func (c *Client) delegate(ctx context.Context, cmd *protocol.Command) error {
	if c.executor == nil {
		c.ReplyError(cmd, "no-executor", "runner has no executor configured for "+cmd.Type)
		return nil
	}
	return c.executor.Execute(ctx, c, cmd)
}

func (c *Client) handleHealthCheck(_ context.Context, cmd *protocol.Command) error {
	status := protocol.RunnerStatusPayload{
		Status:        "healthy",
		Version:       Version,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
	}
	if counter, ok := c.executor.(buildCounter); ok {
		status.ActiveBuilds = counter.ActiveBuilds()
	}
	return c.Reply(cmd, protocol.EventRunnerStatus, status)
}

func (c *Client) handleFetchLogs(_ context.Context, cmd *protocol.Command) error {
	var req protocol.FetchLogsPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	lines, next := c.logs.Page(req.Cursor, req.Limit)
	return c.Reply(cmd, protocol.EventLogChunk, protocol.LogChunkPayload{
		Cursor:     req.Cursor,
		NextCursor: next,
		Lines:      lines,
	})
}
