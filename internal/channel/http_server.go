package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// HTTPServer is the executor-side counterpart of HTTPClient: a single
// route that reads NDJSON requests off the body and streams NDJSON
// responses back on the same connection, for as long as the socket
// stays open (§4.E).
type HTTPServer struct {
	Addr    string
	router  *mux.Router
	httpSrv *http.Server
}

// NewHTTPServer builds the router for POST /sessions/stream. Serve
// starts accepting connections; handler is invoked once per request
// line, sequentially, matching the executor's single-tool-at-a-time
// concurrency model (§5).
func NewHTTPServer(addr string) *HTTPServer {
	s := &HTTPServer{Addr: addr, router: mux.NewRouter()}
	return s
}

func (s *HTTPServer) Serve(ctx context.Context, handler Handler) error {
	s.router.HandleFunc("/sessions/stream", func(w http.ResponseWriter, r *http.Request) {
		serveStream(w, r, handler)
	}).Methods(http.MethodPost)

	s.httpSrv = &http.Server{Addr: s.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func serveStream(w http.ResponseWriter, r *http.Request, handler Handler) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Without full-duplex mode the HTTP/1 server drains the unread request
	// body before sending response headers, which never finishes on a
	// body that stays open.
	if err := http.NewResponseController(w).EnableFullDuplex(); err != nil {
		slog.Warn("channel: full-duplex mode unavailable", "err", err)
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready " + strconv.FormatInt(time.Now().UnixMilli(), 10) + "\n"))
	flusher.Flush()

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			slog.Warn("channel: unparseable request frame", "line", line)
			continue
		}
		resp := handler(r.Context(), req)
		out, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(out, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *HTTPServer) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}
