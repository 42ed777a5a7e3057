package eventpump

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDispatcher struct {
	toolErr string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, eventID string, fn ToolCallFunction) (json.RawMessage, string, error) {
	return json.RawMessage(`{"ok":true}`), f.toolErr, nil
}

type fakeCallback struct {
	delivered int
}

func (f *fakeCallback) Deliver(ctx context.Context, callbackID string, result json.RawMessage) error {
	f.delivered++
	return nil
}

type fakeCursor struct {
	writes int
}

func (f *fakeCursor) GetCursor(ctx context.Context, projectID, sessionID string) (string, string, bool, error) {
	return "", "", false, nil
}

func (f *fakeCursor) WriteCursor(ctx context.Context, projectID, sessionID, eventID, timestamp string) error {
	f.writes++
	return nil
}

func TestHandleFrameToolErrorSkipsDeliveryWhenNotCountedAsDelivered(t *testing.T) {
	cb := &fakeCallback{}
	cur := &fakeCursor{}
	p := &Pump{
		Dispatcher:             &fakeDispatcher{toolErr: "boom"},
		Callback:               cb,
		Cursor:                 cur,
		ErrorCountsAsDelivered: false,
	}
	frame := `{"id":"e1","tool_call":{"function":{"name":"READ_FILE"}},"callback_id":"cb1"}`
	err := p.handleFrame(context.Background(), frame, "e0")
	assert.NoError(t, err)
	assert.Equal(t, 0, cb.delivered)
	assert.Equal(t, 0, cur.writes)
}

func TestHandleFrameToolErrorStillDeliversWhenCountedAsDelivered(t *testing.T) {
	cb := &fakeCallback{}
	cur := &fakeCursor{}
	p := &Pump{
		Dispatcher:             &fakeDispatcher{toolErr: "boom"},
		Callback:               cb,
		Cursor:                 cur,
		ErrorCountsAsDelivered: true,
	}
	frame := `{"id":"e1","tool_call":{"function":{"name":"READ_FILE"}},"callback_id":"cb1"}`
	err := p.handleFrame(context.Background(), frame, "e0")
	assert.NoError(t, err)
	assert.Equal(t, 1, cb.delivered)
	assert.Equal(t, 1, cur.writes)
}

func TestNormalizeArgumentsParsesJSONString(t *testing.T) {
	out := normalizeArguments(`{"filepath":"a.txt"}`)
	m, ok := out.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "a.txt", m["filepath"])
}

func TestNormalizeArgumentsPassesThroughObject(t *testing.T) {
	in := map[string]any{"filepath": "a.txt"}
	out := normalizeArguments(in)
	assert.Equal(t, in, out)
}

func TestNormalizeArgumentsPassesThroughOpaque(t *testing.T) {
	out := normalizeArguments("not json")
	assert.Equal(t, "not json", out)
}

func TestStreamURLIncludesSinceID(t *testing.T) {
	p := &Pump{BaseURL: "http://upstream", ProjectID: "proj1"}
	url := p.streamURL("e42")
	assert.Contains(t, url, "projectId=proj1")
	assert.Contains(t, url, "since_id=e42")
}

func TestStreamURLFallsBackToSinceTime(t *testing.T) {
	p := &Pump{BaseURL: "http://upstream", ProjectID: "proj1", SinceTime: "2026-01-01T00:00:00Z"}
	url := p.streamURL("")
	assert.Contains(t, url, "since_time=2026-01-01T00:00:00Z")
}
