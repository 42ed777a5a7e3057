package channel

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChannelOrderedRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := NewHTTPServer(addr)
	var seen []string
	handler := func(ctx context.Context, req Request) Response {
		seen = append(seen, req.ID)
		return Response{ID: req.ID, Result: []byte(`{"ok":true}`)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, handler) }()
	time.Sleep(150 * time.Millisecond)

	client := NewHTTPClient(HTTPClientConfig{
		URL:         "http://" + addr + "/sessions/stream",
		Headers:     http.Header{},
		SendTimeout: 5 * time.Second,
	})
	defer client.Close()

	for i, id := range []string{"r1", "r2", "r3"} {
		resp, err := client.Send(context.Background(), Request{ID: id, ToolCall: ToolCall{Name: "READ_FILE"}})
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, id, resp.ID)
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, seen)
}
