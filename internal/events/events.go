// Package events defines the line-delimited event protocol relayed between
// the sandbox agent and the caller. Each line is a type tag, a space, and a
// JSON object. The orchestrator re-sequences events so callers always see a
// monotonically increasing "seq" within one stream.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Event types in the caller contract.
const (
	TypeSessionStart  = "session_start"
	TypeTextDelta     = "text_delta"
	TypeThinking      = "thinking"
	TypeToolProgress  = "tool_progress"
	TypeToolResult    = "tool_result"
	TypeSubagentStart = "subagent_start"
	TypeSubagentStop  = "subagent_stop"
	TypeProgress      = "progress"
	TypeTitle         = "title"
	TypePing          = "ping"
	TypeError         = "error"
	TypeRecovered     = "container_recovered"
	TypeResult        = "result"
	TypeDone          = "done"
)

// Event is one protocol event.
type Event struct {
	Type string
	Data map[string]any
}

// Usage is the token accounting carried by the trailing result event.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ParseUsage extracts token usage from a result event, zero if absent.
func ParseUsage(ev Event) Usage {
	var u Usage
	raw, ok := ev.Data["usage"]
	if !ok {
		return u
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return u
	}
	json.Unmarshal(b, &u)
	return u
}

// IsFileTool reports whether the event is a completed file-tool action, the
// trigger for opportunistic workspace sync.
func IsFileTool(ev Event) bool {
	if ev.Type != TypeToolResult && ev.Type != TypeToolProgress {
		return false
	}
	tool, _ := ev.Data["tool"].(string)
	if strings.HasPrefix(tool, "file_") || tool == "write_file" || tool == "edit_file" {
		return true
	}
	_, hasPath := ev.Data["file_path"]
	return hasPath
}

// Decoder reads events from a line stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. Lines up to 4 MiB are accepted; the agent chunks
// larger payloads itself.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &Decoder{scanner: sc}
}

// Next returns the next event, io.EOF at end of stream.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		typ, payload, found := strings.Cut(line, " ")
		if !found {
			return Event{}, fmt.Errorf("malformed event line: %q", truncate(line, 80))
		}
		data := map[string]any{}
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			return Event{}, fmt.Errorf("malformed event payload for %s: %w", typ, err)
		}
		return Event{Type: typ, Data: data}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Writer emits sequence-numbered events to a caller stream. Safe for use by
// the single relay goroutine; the mutex guards the flush against late writes
// from a recovery path.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	seq int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes the event with the next sequence number and flushes if the
// underlying writer supports it.
func (sw *Writer) Write(ev Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.seq++
	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["seq"] = sw.seq

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(sw.w, "%s %s\n", ev.Type, payload); err != nil {
		return err
	}
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Seq returns the last sequence number written.
func (sw *Writer) Seq() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.seq
}

// ErrorEvent builds a terminal or recoverable error event.
func ErrorEvent(kind, message string, recoverable bool) Event {
	return Event{Type: TypeError, Data: map[string]any{
		"kind":        kind,
		"message":     message,
		"recoverable": recoverable,
	}}
}

// RecoveredEvent builds the container_recovered event. When emitted it is
// the last event on the stream.
func RecoveredEvent(retryRecommended bool) Event {
	return Event{Type: TypeRecovered, Data: map[string]any{
		"recovered":         true,
		"retry_recommended": retryRecommended,
	}}
}

// DoneEvent builds the normal terminal event.
func DoneEvent() Event {
	return Event{Type: TypeDone, Data: map[string]any{}}
}
