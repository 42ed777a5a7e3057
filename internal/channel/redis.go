package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ocx/toolbridge/internal/envelope"
	"github.com/ocx/toolbridge/internal/store"
)

// RedisConfig configures the development pub/sub fallback, grounded on
// the teacher's redis adapter Subscribe-with-context helper.
type RedisConfig struct {
	Adapter      *store.RedisAdapter
	ReqChannel   string
	RespChannel  string
	UserID       string
	ProjectID    string
	SessionID    string
	Key          []byte
}

// RedisClient implements Client over Redis PUBLISH/SUBSCRIBE, for
// single-host development without GCP credentials.
type RedisClient struct {
	cfg         RedisConfig
	mu          sync.Mutex
	seq         int64
	waiters     map[int64]chan sendResult
	unsubscribe func()
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	c := &RedisClient{cfg: cfg, waiters: map[int64]chan sendResult{}}
	unsub, err := cfg.Adapter.Subscribe(ctx, cfg.RespChannel, c.onMessage)
	if err != nil {
		return nil, err
	}
	c.unsubscribe = unsub
	return c, nil
}

type wireMessage struct {
	Attrs map[string]string  `json:"attrs"`
	Env   envelope.Envelope  `json:"env"`
}

func (c *RedisClient) onMessage(payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	var seq int64
	_, _ = fmt.Sscan(msg.Attrs["seq"], &seq)
	attrs := envelope.Attrs{
		UserID: msg.Attrs["user_id"], ProjectID: msg.Attrs["project_id"], SessionID: msg.Attrs["session_id"],
		Channel: msg.Attrs["channel"], Type: msg.Attrs["type"], Seq: seq,
	}
	plaintext, err := envelope.Decrypt(&msg.Env, c.cfg.Key, attrs)
	if err != nil {
		return
	}
	var resp Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return
	}
	c.mu.Lock()
	waitCh, ok := c.waiters[seq]
	if ok {
		delete(c.waiters, seq)
	}
	c.mu.Unlock()
	if ok {
		waitCh <- sendResult{resp: &resp}
	}
}

func (c *RedisClient) Send(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	waitCh := make(chan sendResult, 1)
	c.waiters[seq] = waitCh
	c.mu.Unlock()

	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	attrs := envelope.Attrs{UserID: c.cfg.UserID, ProjectID: c.cfg.ProjectID, SessionID: c.cfg.SessionID, Channel: "req", Type: "tool", Seq: seq}
	env, err := envelope.Encrypt(plaintext, c.cfg.Key, attrs)
	if err != nil {
		return nil, err
	}
	msg := wireMessage{
		Attrs: map[string]string{
			"user_id": attrs.UserID, "project_id": attrs.ProjectID, "session_id": attrs.SessionID,
			"channel": "req", "type": "tool", "seq": fmt.Sprint(seq),
		},
		Env: *env,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Adapter.Publish(ctx, c.cfg.ReqChannel, payload); err != nil {
		return nil, &Error{Kind: WriteError, Msg: err.Error()}
	}

	select {
	case res := <-waitCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RedisClient) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return nil
}

// RedisServer is the executor-side counterpart of RedisClient.
type RedisServer struct {
	cfg         RedisConfig
	unsubscribe func()
}

func NewRedisServer(cfg RedisConfig) *RedisServer {
	return &RedisServer{cfg: cfg}
}

func (s *RedisServer) Serve(ctx context.Context, handler Handler) error {
	unsub, err := s.cfg.Adapter.Subscribe(ctx, s.cfg.ReqChannel, func(payload []byte) {
		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		var seq int64
		_, _ = fmt.Sscan(msg.Attrs["seq"], &seq)
		attrs := envelope.Attrs{
			UserID: msg.Attrs["user_id"], ProjectID: msg.Attrs["project_id"], SessionID: msg.Attrs["session_id"],
			Channel: msg.Attrs["channel"], Type: msg.Attrs["type"], Seq: seq,
		}
		plaintext, err := envelope.Decrypt(&msg.Env, s.cfg.Key, attrs)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return
		}
		resp := handler(ctx, req)
		respJSON, err := json.Marshal(resp)
		if err != nil {
			return
		}
		respAttrs := envelope.Attrs{UserID: attrs.UserID, ProjectID: attrs.ProjectID, SessionID: attrs.SessionID, Channel: "resp", Type: attrs.Type, Seq: seq}
		env, err := envelope.Encrypt(respJSON, s.cfg.Key, respAttrs)
		if err != nil {
			return
		}
		out := wireMessage{
			Attrs: map[string]string{
				"user_id": respAttrs.UserID, "project_id": respAttrs.ProjectID, "session_id": respAttrs.SessionID,
				"channel": "resp", "type": respAttrs.Type, "seq": fmt.Sprint(seq),
			},
			Env: *env,
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return
		}
		_ = s.cfg.Adapter.Publish(ctx, s.cfg.RespChannel, payload)
	})
	if err != nil {
		return err
	}
	s.unsubscribe = unsub
	<-ctx.Done()
	return nil
}

func (s *RedisServer) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return nil
}
