package runner

import (
	"strings"
	"sync"
	"time"

	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// logRingCapacity bounds the number of retained log lines.
const logRingCapacity = 2000

// LogRing is a bounded in-memory log buffer with monotonically
// increasing sequence numbers. fetch-logs pages through it by cursor:
// a cursor of 0 (or anything older than the ring) starts at the oldest
// retained line, and the returned next-cursor resumes where the page
// ended even after old lines have been evicted.
type LogRing struct {
	mu       sync.Mutex
	lines    []protocol.LogLine
	firstSeq int64 // sequence of lines[0]; sequences start at 1
}

// NewLogRing creates a ring retaining up to capacity lines.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = logRingCapacity
	}
	return &LogRing{
		lines:    make([]protocol.LogLine, 0, capacity),
		firstSeq: 1,
	}
}

// Append records one line on the given stream.
func (r *LogRing) Append(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) == cap(r.lines) {
		// Evict the oldest line
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
		r.firstSeq++
	}
	r.lines = append(r.lines, protocol.LogLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Stream:    stream,
		Line:      line,
	})
}

// Page returns up to limit lines with sequence >= cursor, and the
// cursor for the following page. An empty page returns the cursor
// unchanged so callers can poll.
func (r *LogRing) Page(cursor int64, limit int) ([]protocol.LogLine, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	if cursor < r.firstSeq {
		cursor = r.firstSeq
	}

	start := cursor - r.firstSeq
	if start >= int64(len(r.lines)) {
		return nil, cursor
	}

	end := start + int64(limit)
	if end > int64(len(r.lines)) {
		end = int64(len(r.lines))
	}

	page := make([]protocol.LogLine, end-start)
	copy(page, r.lines[start:end])
	return page, r.firstSeq + end
}

// Len returns the number of retained lines.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// Write appends raw output line by line on the stdout stream, so the
// ring can tee a build's process output via io.MultiWriter.
func (r *LogRing) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		r.Append("stdout", line)
	}
	return len(p), nil
}

// ringHook copies every logged message into the ring so fetch-logs
// can serve the runner's own log remotely.
type ringHook struct {
	ring *LogRing
}

func (h ringHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if message == "" {
		return
	}
	stream := "stdout"
	if level >= zerolog.WarnLevel {
		stream = "stderr"
	}
	h.ring.Append(stream, message)
}
