// Package eventpump implements the producer-side SSE reader: cursor
// replay, per-event dispatch to the channel, callback delivery, and
// strictly-after cursor advance (§4.G).
package eventpump

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ToolCallFunction mirrors the upstream event's tool_call.function
// shape; Arguments may be a JSON string or object.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// Event is one upstream SSE event.
type Event struct {
	ID         string `json:"id"`
	CreateTime string `json:"create_time"`
	ToolCall   *struct {
		Function ToolCallFunction `json:"function"`
	} `json:"tool_call"`
	CallbackID string `json:"callback_id"`
}

// Dispatcher sends a normalized tool request to the channel and
// returns the result (tool-level errors count as success, per the
// resolved open question).
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string, fn ToolCallFunction) (result json.RawMessage, toolErr string, err error)
}

// Callback delivers a tool result to the upstream callback sink.
type Callback interface {
	Deliver(ctx context.Context, callbackID string, result json.RawMessage) error
}

// CursorStore persists the replay cursor.
type CursorStore interface {
	GetCursor(ctx context.Context, projectID, sessionID string) (eventID, timestamp string, ok bool, err error)
	WriteCursor(ctx context.Context, projectID, sessionID, eventID, timestamp string) error
}

// Pump consumes the upstream SSE stream for one project.
type Pump struct {
	BaseURL     string
	ProjectID   string
	WorkspaceID string
	SessionID   string
	SinceID     string
	SinceTime   string

	HTTPClient *http.Client
	Dispatcher Dispatcher
	Callback   Callback
	Cursor     CursorStore

	// ErrorCountsAsDelivered controls whether a tool-level error still
	// advances the cursor and reaches the callback sink (§4.G step c).
	// Defaults to false (zero value); callers wire Config.Tools.ErrorCountsAsDelivered.
	ErrorCountsAsDelivered bool

	ReconnectBackoff time.Duration
	ReconnectCap     time.Duration
}

// Run drives the pump until ctx is cancelled, reconnecting with
// backoff on stream disconnect and resuming from lastEventID.
func (p *Pump) Run(ctx context.Context) error {
	lastEventID := p.resumeCursor(ctx)
	backoff := p.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	cap_ := p.ReconnectCap
	if cap_ <= 0 {
		cap_ = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := p.streamOnce(ctx, lastEventID)
		if next != "" {
			lastEventID = next
		}
		if err == nil {
			return nil // ctx cancelled cleanly inside streamOnce
		}
		slog.Warn("eventpump: stream disconnected, reconnecting", "err", err, "last_event_id", lastEventID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cap_ {
			backoff = cap_
		}
	}
}

func (p *Pump) resumeCursor(ctx context.Context) string {
	if p.Cursor == nil {
		return p.SinceID
	}
	eventID, _, ok, err := p.Cursor.GetCursor(ctx, p.ProjectID, p.SessionID)
	if err != nil || !ok {
		return p.SinceID
	}
	return eventID
}

// streamOnce opens one SSE connection and processes frames until it
// ends or ctx is cancelled. Returns the last seen lastEventID and any
// transport error (nil if ctx cancellation caused the exit).
func (p *Pump) streamOnce(ctx context.Context, lastEventID string) (string, error) {
	url := p.streamURL(lastEventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return lastEventID, err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return lastEventID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastEventID, fmt.Errorf("sse stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var dataLine string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lastEventID, nil
		default:
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			lastEventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if dataLine != "" {
				if err := p.handleFrame(ctx, dataLine, lastEventID); err != nil {
					slog.Error("eventpump: frame handling failed", "err", err)
				}
				dataLine = ""
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lastEventID, err
	}
	return lastEventID, fmt.Errorf("sse stream ended")
}

func (p *Pump) streamURL(lastEventID string) string {
	url := fmt.Sprintf("%s/events/stream?projectId=%s", p.BaseURL, p.ProjectID)
	if p.WorkspaceID != "" {
		url += "&workspaceId=" + p.WorkspaceID
	}
	if lastEventID != "" {
		url += "&since_id=" + lastEventID
	} else if p.SinceTime != "" {
		url += "&since_time=" + p.SinceTime
	}
	return url
}

func (p *Pump) handleFrame(ctx context.Context, data, lastEventID string) error {
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	if ev.ToolCall == nil {
		return nil
	}

	fn := ev.ToolCall.Function
	fn.Arguments = normalizeArguments(fn.Arguments)

	eventID := ev.ID
	if eventID == "" {
		eventID = lastEventID
	}

	result, toolErr, err := p.Dispatcher.Dispatch(ctx, eventID, fn)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if toolErr != "" && !p.ErrorCountsAsDelivered {
		slog.Warn("eventpump: tool error, not counted as delivered, cursor not advanced", "event_id", eventID, "tool_err", toolErr)
		return nil
	}

	if ev.CallbackID != "" && p.Callback != nil {
		if err := p.Callback.Deliver(ctx, ev.CallbackID, result); err != nil {
			slog.Warn("eventpump: callback delivery failed, cursor still advances", "err", err)
		}
	}

	timestamp := ev.CreateTime
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if p.Cursor != nil {
		if err := p.Cursor.WriteCursor(ctx, p.ProjectID, p.SessionID, eventID, timestamp); err != nil {
			return fmt.Errorf("write cursor: %w", err)
		}
	}
	return nil
}

// normalizeArguments parses a string-encoded JSON object into a map;
// leaves objects and other shapes untouched (§9 dynamic argument
// encoding).
func normalizeArguments(args any) any {
	s, ok := args.(string)
	if !ok {
		return args
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj
	}
	return args
}
