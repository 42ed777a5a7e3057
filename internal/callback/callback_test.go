package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverHappyPath(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "u1", "p1")
	err := c.Deliver(context.Background(), "cb1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Contains(t, string(gotBody), "x")
}

func TestDeliverFallsBackOn400Once(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		if n == 1 {
			assert.NotContains(t, string(body), `"result"`)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Contains(t, string(body), `"result"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "u1", "p1")
	err := c.Deliver(context.Background(), "cb1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDeliverFinalOn4xxAfterFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "u1", "p1")
	err := c.Deliver(context.Background(), "cb1", json.RawMessage(`{"x":1}`))
	require.Error(t, err)
}
