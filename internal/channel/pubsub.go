package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/toolbridge/internal/envelope"
)

// PubSubConfig configures the Pub/Sub channel variant (§4.F), grounded
// on the teacher's topic/attribute/ordering-key publish idiom.
type PubSubConfig struct {
	Client       *pubsub.Client
	Topic        *pubsub.Topic
	UserID       string
	ProjectID    string
	SessionID    string
	Key          []byte // 32-byte envelope key
	MaxMessages  int
	IdleExit     time.Duration
}

// PubSubClient implements Client (producer side): publish on
// channel="req", match replies by seq on channel="resp".
type PubSubClient struct {
	cfg      PubSubConfig
	sub      *pubsub.Subscription
	seq      int64
	mu       sync.Mutex
	waiters  map[int64]chan sendResult
	cancel   context.CancelFunc
}

// NewPubSubClient starts consuming resp and returns a ready client.
func NewPubSubClient(ctx context.Context, cfg PubSubConfig, respSub *pubsub.Subscription) (*PubSubClient, error) {
	if cfg.MaxMessages > 0 {
		respSub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxMessages
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &PubSubClient{cfg: cfg, sub: respSub, waiters: map[int64]chan sendResult{}, cancel: cancel}
	go c.consumeReplies(cctx)
	return c, nil
}

func (c *PubSubClient) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *PubSubClient) Send(ctx context.Context, req Request) (*Response, error) {
	seq := c.nextSeq()
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	attrs := envelope.Attrs{
		UserID: c.cfg.UserID, ProjectID: c.cfg.ProjectID, SessionID: c.cfg.SessionID,
		Channel: "req", Type: "tool", Seq: seq,
	}
	env, err := envelope.Encrypt(plaintext, c.cfg.Key, attrs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	waitCh := make(chan sendResult, 1)
	c.mu.Lock()
	c.waiters[seq] = waitCh
	c.mu.Unlock()

	result := c.cfg.Topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"user_id": c.cfg.UserID, "project_id": c.cfg.ProjectID, "session_id": c.cfg.SessionID,
			"channel": "req", "type": "tool", "seq": fmt.Sprint(seq), "v": envelope.Scheme,
		},
		OrderingKey: c.cfg.ProjectID,
	})
	if _, err := result.Get(ctx); err != nil {
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
		return nil, &Error{Kind: WriteError, Msg: err.Error()}
	}

	select {
	case res := <-waitCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PubSubClient) consumeReplies(ctx context.Context) {
	ctx, touch, stop := withIdleExit(ctx, c.cfg.IdleExit)
	defer stop()

	err := c.sub.Receive(ctx, func(mctx context.Context, m *pubsub.Message) {
		touch()
		seqStr := m.Attributes["seq"]
		var seq int64
		_, _ = fmt.Sscan(seqStr, &seq)

		var env envelope.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			m.Nack()
			return
		}
		attrs := envelope.Attrs{
			UserID: m.Attributes["user_id"], ProjectID: m.Attributes["project_id"], SessionID: m.Attributes["session_id"],
			Channel: m.Attributes["channel"], Type: m.Attributes["type"], Seq: seq,
		}
		plaintext, err := envelope.Decrypt(&env, c.cfg.Key, attrs)
		if err != nil {
			m.Nack()
			return
		}
		var resp Response
		if err := json.Unmarshal(plaintext, &resp); err != nil {
			m.Nack()
			return
		}
		m.Ack()

		c.mu.Lock()
		waitCh, ok := c.waiters[seq]
		if ok {
			delete(c.waiters, seq)
		}
		c.mu.Unlock()
		if ok {
			waitCh <- sendResult{resp: &resp}
		}
	})
	if err != nil {
		slog.Warn("channel: pubsub reply subscription ended", "err", err)
	}
}

func (c *PubSubClient) Close() error {
	c.cancel()
	return nil
}

// PubSubServer is the executor-side counterpart: consumes the req
// subscription, runs handler, publishes the response on channel=resp
// with the same seq.
type PubSubServer struct {
	cfg PubSubConfig
	sub *pubsub.Subscription
}

func NewPubSubServer(cfg PubSubConfig, reqSub *pubsub.Subscription) *PubSubServer {
	return &PubSubServer{cfg: cfg, sub: reqSub}
}

func (s *PubSubServer) Serve(ctx context.Context, handler Handler) error {
	if s.cfg.MaxMessages > 0 {
		s.sub.ReceiveSettings.MaxOutstandingMessages = s.cfg.MaxMessages
	}
	ctx, touch, stop := withIdleExit(ctx, s.cfg.IdleExit)
	defer stop()

	return s.sub.Receive(ctx, func(mctx context.Context, m *pubsub.Message) {
		touch()
		var env envelope.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			m.Nack()
			return
		}
		var seq int64
		_, _ = fmt.Sscan(m.Attributes["seq"], &seq)
		attrs := envelope.Attrs{
			UserID: m.Attributes["user_id"], ProjectID: m.Attributes["project_id"], SessionID: m.Attributes["session_id"],
			Channel: m.Attributes["channel"], Type: m.Attributes["type"], Seq: seq,
		}
		plaintext, err := envelope.Decrypt(&env, s.cfg.Key, attrs)
		if err != nil {
			m.Nack()
			return
		}
		var req Request
		if err := json.Unmarshal(plaintext, &req); err != nil {
			m.Nack()
			return
		}

		resp := handler(mctx, req)
		respJSON, err := json.Marshal(resp)
		if err != nil {
			m.Nack()
			return
		}
		respAttrs := envelope.Attrs{
			UserID: attrs.UserID, ProjectID: attrs.ProjectID, SessionID: attrs.SessionID,
			Channel: "resp", Type: attrs.Type, Seq: seq,
		}
		env2, err := envelope.Encrypt(respJSON, s.cfg.Key, respAttrs)
		if err != nil {
			m.Nack()
			return
		}
		data, _ := json.Marshal(env2)
		pr := s.cfg.Topic.Publish(mctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"user_id": respAttrs.UserID, "project_id": respAttrs.ProjectID, "session_id": respAttrs.SessionID,
				"channel": "resp", "type": respAttrs.Type, "seq": fmt.Sprint(seq), "v": envelope.Scheme,
			},
			OrderingKey: s.cfg.ProjectID,
		})
		if _, err := pr.Get(mctx); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (s *PubSubServer) Close() error { return nil }

// withIdleExit wraps ctx so that the returned context is cancelled once
// idle passes with no call to touch(), per §4.F's idle-exit timer. A
// zero idle disables the timer and returns ctx unchanged.
func withIdleExit(ctx context.Context, idle time.Duration) (out context.Context, touch func(), stop func()) {
	if idle <= 0 {
		return ctx, func() {}, func() {}
	}
	cctx, cancel := context.WithCancel(ctx)
	timer := time.NewTimer(idle)
	resetCh := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-resetCh:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
			case <-timer.C:
				slog.Info("channel: pubsub idle-exit timer fired, closing subscription", "idle", idle)
				cancel()
				return
			case <-cctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	touch = func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}
	return cctx, touch, cancel
}
