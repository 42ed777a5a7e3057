package supervisor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin mirrors the control plane's production origin
// allowlist: in production with OCX_ALLOWED_ORIGINS set, only those
// origins are accepted; in production without it (a warning is logged)
// and elsewhere, all origins are allowed.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("OCX_ENV")
	allowedRaw := os.Getenv("OCX_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		slog.Warn("OCX_ALLOWED_ORIGINS not set in production, allowing all progress-stream origins")
	}
	return func(r *http.Request) bool { return true }
}

// ProgressTracker publishes a monotonic sequence of startup status
// strings for a consumerId and broadcasts them to subscribed websocket
// clients, per §4.I's optional progress-reporting paragraph.
type ProgressTracker struct {
	mu   sync.RWMutex
	subs map[string]map[chan string]struct{} // consumerId -> set of subscriber channels
}

// NewProgressTracker builds an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{subs: map[string]map[chan string]struct{}{}}
}

// Publish fans a status string for consumerId out to any currently
// connected subscribers; nothing is stored, so later subscribers do not
// see it. Non-blocking: a slow subscriber drops frames rather than
// stalling the supervisor.
func (p *ProgressTracker) Publish(consumerID, status string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs[consumerID] {
		select {
		case ch <- status:
		default:
		}
	}
}

// Clear signals completion (success, cancel, or timeout) by closing
// out the consumerId's subscriber set.
func (p *ProgressTracker) Clear(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs[consumerID] {
		close(ch)
	}
	delete(p.subs, consumerID)
}

func (p *ProgressTracker) subscribe(consumerID string) chan string {
	ch := make(chan string, 16)
	p.mu.Lock()
	if p.subs[consumerID] == nil {
		p.subs[consumerID] = map[chan string]struct{}{}
	}
	p.subs[consumerID][ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

func (p *ProgressTracker) unsubscribe(consumerID string, ch chan string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.subs[consumerID]; ok {
		delete(set, ch)
	}
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// HandleProgress upgrades GET /producer/progress?consumerId=... to a
// websocket and streams status frames until Clear or disconnect.
func (p *ProgressTracker) HandleProgress(w http.ResponseWriter, r *http.Request) {
	consumerID := r.URL.Query().Get("consumerId")
	if consumerID == "" {
		http.Error(w, "consumerId required", http.StatusBadRequest)
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("progress: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := p.subscribe(consumerID)
	defer p.unsubscribe(consumerID, ch)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain client reads in the background solely to detect disconnect
	// and keep the pong handler firing; this endpoint is push-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			frame, _ := json.Marshal(map[string]string{"status": status})
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
