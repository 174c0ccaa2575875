package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runwire-dev/runwire/internal/protocol"
)

const (
	// proxyChunkSize is the maximum decoded chunk size; larger
	// responses are streamed as http-proxy-chunk events.
	proxyChunkSize = 64 * 1024

	proxyFetchTimeout = 30 * time.Second
)

// hopHeaders are not forwarded to or from the dev server.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// handleHTTPProxyRequest fetches from the local dev server and answers
// with http-proxy-response, or streams http-proxy-chunk events for
// large bodies. The fetch runs in its own goroutine so slow dev
// servers do not stall command dispatch.
func (c *Client) handleHTTPProxyRequest(ctx context.Context, cmd *protocol.Command) error {
	var req protocol.HTTPProxyRequestPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}
	if req.Port <= 0 || req.Port > 65535 {
		return fmt.Errorf("invalid proxy port %d", req.Port)
	}

	go func() {
		if err := c.proxyFetch(ctx, cmd, &req); err != nil {
			c.log.Warn().Err(err).Str("request_id", req.RequestID).Int("port", req.Port).
				Msg("proxy fetch failed")
			c.sendProxyError(cmd, req.RequestID, err)
		}
	}()
	return nil
}

func (c *Client) proxyFetch(ctx context.Context, cmd *protocol.Command, req *protocol.HTTPProxyRequestPayload) error {
	ctx, cancel := context.WithTimeout(ctx, proxyFetchTimeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return fmt.Errorf("decode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := fmt.Sprintf("http://127.0.0.1:%d%s", req.Port, path)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		if hopHeaders[http.CanonicalHeaderKey(k)] || strings.EqualFold(k, "Host") {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		headers[k] = strings.Join(vs, ", ")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if len(data) <= proxyChunkSize {
		return c.Reply(cmd, protocol.EventHTTPProxyResponse, protocol.HTTPProxyResponsePayload{
			RequestID:  req.RequestID,
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       base64.StdEncoding.EncodeToString(data),
		})
	}

	// Large body: announce a chunked response, then stream the chunks.
	if err := c.Reply(cmd, protocol.EventHTTPProxyResponse, protocol.HTTPProxyResponsePayload{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		IsChunked:  true,
	}); err != nil {
		return err
	}

	for off := 0; off < len(data); off += proxyChunkSize {
		end := off + proxyChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.Reply(cmd, protocol.EventHTTPProxyChunk, protocol.HTTPProxyChunkPayload{
			RequestID: req.RequestID,
			Chunk:     base64.StdEncoding.EncodeToString(data[off:end]),
			IsFinal:   end == len(data),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendProxyError(cmd *protocol.Command, requestID string, cause error) {
	if err := c.Reply(cmd, protocol.EventHTTPProxyError, protocol.HTTPProxyErrorPayload{
		RequestID:  requestID,
		StatusCode: http.StatusBadGateway,
		Error:      cause.Error(),
	}); err != nil {
		c.log.Error().Err(err).Str("request_id", requestID).Msg("failed to send proxy error")
	}
}
