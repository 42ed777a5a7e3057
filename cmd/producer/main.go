// Command producer runs the upstream event pump for one project: it
// reads the SSE tool-call stream, dispatches each request over the
// channel to the executor, delivers results to the callback sink, and
// advances the persisted cursor.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/toolbridge/internal/auth"
	"github.com/ocx/toolbridge/internal/callback"
	"github.com/ocx/toolbridge/internal/channel"
	"github.com/ocx/toolbridge/internal/config"
	"github.com/ocx/toolbridge/internal/eventpump"
	"github.com/ocx/toolbridge/internal/lease"
	"github.com/ocx/toolbridge/internal/metrics"
	"github.com/ocx/toolbridge/internal/store"
)

func main() {
	cfg := config.Get()

	userID := getEnvOrDefault("OCX_USER_ID", "")
	projectID := getEnvOrDefault("OCX_PROJECT_ID", "")
	sessionID := getEnvOrDefault("OCX_SESSION_ID", "")
	consumerID := getEnvOrDefault("OCX_CONSUMER_ID", "")
	if userID == "" || projectID == "" {
		log.Fatal("OCX_USER_ID and OCX_PROJECT_ID are required")
	}

	key, err := decodeKey(getEnvOrDefault("ENC_KEY_B64", ""))
	if err != nil {
		log.Fatalf("decode ENC_KEY_B64: %v", err)
	}

	pgStore, err := store.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	leaseMgr := &lease.Manager{Store: pgStore}
	leaseMs, _ := strconv.ParseInt(getEnvOrDefault("OCX_LEASE_MS", ""), 10, 64)

	var tokenBroker *auth.Broker
	if cfg.Auth.HMACSecret != "" {
		tokenBroker = auth.NewBroker(
			[]byte(cfg.Auth.HMACSecret),
			[]byte(cfg.Auth.PreviousHMACSecret),
			time.Duration(cfg.Auth.DefaultTTLSeconds)*time.Second,
			"toolbridge-producer",
		)
	}

	client, closeClient := buildChannelClient(context.Background(), cfg, userID, projectID, sessionID, key)
	defer closeClient()

	cb := callback.NewClient(cfg.Upstream.ConsumerBaseURL, "", userID, projectID)
	if tokenBroker != nil {
		tok, err := tokenBroker.Issue(consumerID, userID, projectID, 0)
		if err != nil {
			slog.Warn("producer: failed to issue service token for callback client", "err", err)
		} else {
			cb.ServiceToken = tok
		}
	}

	m := metrics.New()
	go serveHealthAndMetrics(getEnvOrDefault("HEALTH_PORT", "9090"))

	pump := &eventpump.Pump{
		BaseURL:     cfg.Upstream.WorkflowsBaseURL,
		ProjectID:   projectID,
		WorkspaceID: getEnvOrDefault("OCX_WORKSPACE_ID", ""),
		SessionID:   sessionID,
		SinceID:     getEnvOrDefault("OCX_SINCE_ID", ""),
		SinceTime:   getEnvOrDefault("OCX_SINCE_TIME", ""),
		HTTPClient:  &http.Client{Timeout: 0},
		Dispatcher:  &channelDispatcher{client: client, metrics: m, channelKind: cfg.Channel.Kind},
		Callback:    &meteredCallback{inner: cb, metrics: m},
		Cursor:      &cursorAdapter{store: pgStore, metrics: m, projectID: projectID},

		ErrorCountsAsDelivered: cfg.Tools.ErrorCountsAsDelivered,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("producer: received shutdown signal")
		cancel()
	}()

	if leaseMs > 0 {
		go runLeaseRefresh(ctx, cancel, leaseMgr, userID, projectID, consumerID, leaseMs)
	}

	slog.Info("producer starting", "project_id", projectID, "session_id", sessionID)
	if err := pump.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("producer: pump exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("producer stopped")
}

// channelDispatcher adapts a channel.Client to eventpump.Dispatcher,
// timing each round trip for the channel_round_trip_seconds histogram.
type channelDispatcher struct {
	client      channel.Client
	metrics     *metrics.Metrics
	channelKind string
}

func (d *channelDispatcher) Dispatch(ctx context.Context, eventID string, fn eventpump.ToolCallFunction) (json.RawMessage, string, error) {
	start := time.Now()
	resp, err := d.client.Send(ctx, channel.Request{
		ID: eventID,
		ToolCall: channel.ToolCall{
			Name:      fn.Name,
			Arguments: fn.Arguments,
		},
	})
	d.metrics.RecordChannelRoundTrip(d.channelKind, time.Since(start).Seconds())
	if err != nil {
		return nil, "", err
	}
	return resp.Result, resp.Error, nil
}

// meteredCallback wraps a callback.Client's Deliver with the
// callback_deliveries_total counter.
type meteredCallback struct {
	inner   eventpump.Callback
	metrics *metrics.Metrics
}

func (c *meteredCallback) Deliver(ctx context.Context, callbackID string, result json.RawMessage) error {
	err := c.inner.Deliver(ctx, callbackID, result)
	c.metrics.RecordCallbackDelivery(err == nil)
	return err
}

// cursorAdapter adapts *store.Store to eventpump.CursorStore.
type cursorAdapter struct {
	store     *store.Store
	metrics   *metrics.Metrics
	projectID string
}

func (c *cursorAdapter) GetCursor(ctx context.Context, projectID, sessionID string) (string, string, bool, error) {
	cursor, err := c.store.GetCursor(ctx, projectID, sessionID)
	if err != nil {
		return "", "", false, err
	}
	if cursor == nil {
		return "", "", false, nil
	}
	return cursor.EventID, cursor.Timestamp, true, nil
}

func (c *cursorAdapter) WriteCursor(ctx context.Context, projectID, sessionID, eventID, timestamp string) error {
	if err := c.store.WriteCursor(ctx, projectID, sessionID, eventID, timestamp); err != nil {
		return err
	}
	c.metrics.RecordCursorAdvance(c.projectID)
	return nil
}

func buildChannelClient(ctx context.Context, cfg *config.Config, userID, projectID, sessionID string, key []byte) (channel.Client, func()) {
	switch cfg.Channel.Kind {
	case "pubsub":
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			log.Fatalf("pubsub client: %v", err)
		}
		respSub := psClient.Subscription(getEnvOrDefault("RESP_SUBSCRIPTION", ""))
		pscfg := channel.PubSubConfig{
			Client: psClient, Topic: psClient.Topic(cfg.PubSub.Topic),
			UserID: userID, ProjectID: projectID, SessionID: sessionID, Key: key,
			MaxMessages: cfg.PubSub.MaxMessages,
			IdleExit:    time.Duration(cfg.PubSub.IdleExitMs) * time.Millisecond,
		}
		c, err := channel.NewPubSubClient(ctx, pscfg, respSub)
		if err != nil {
			log.Fatalf("pubsub channel client: %v", err)
		}
		return c, func() { _ = c.Close(); _ = psClient.Close() }

	case "redis":
		adapter, err := store.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis adapter: %v", err)
		}
		rcfg := channel.RedisConfig{
			Adapter: adapter, ReqChannel: "req:" + projectID, RespChannel: "resp:" + projectID,
			UserID: userID, ProjectID: projectID, SessionID: sessionID, Key: key,
		}
		c, err := channel.NewRedisClient(ctx, rcfg)
		if err != nil {
			log.Fatalf("redis channel client: %v", err)
		}
		return c, func() { _ = c.Close(); _ = adapter.Close() }

	default:
		c := channel.NewHTTPClient(channel.HTTPClientConfig{
			URL:         cfg.Upstream.ConsumerBaseURL + "/sessions/stream",
			Headers:     http.Header{},
			SendTimeout: time.Duration(cfg.Channel.SendTimeoutMs) * time.Millisecond,
		})
		return c, func() { _ = c.Close() }
	}
}

// runLeaseRefresh keeps the project lease alive, refreshing at ~60% of
// its duration, and self-terminates the producer if another consumer
// wins the lease out from under it (§4.H).
func runLeaseRefresh(ctx context.Context, cancel context.CancelFunc, mgr *lease.Manager, userID, projectID, consumerID string, leaseMs int64) {
	for {
		interval := lease.RefreshInterval(leaseMs, rand.Float64)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		result, err := mgr.Acquire(ctx, userID, projectID, consumerID, leaseMs, "producer")
		if err != nil {
			slog.Warn("producer: lease refresh failed, will retry", "err", err)
			continue
		}
		if result.Conflict {
			slog.Error("producer: lease lost to another consumer, terminating", "holder", result.Holder.ConsumerID)
			cancel()
			return
		}
	}
}

func decodeKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("ENC_KEY_B64 is required")
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENC_KEY_B64 must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serveHealthAndMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Warn("producer: health/metrics listener stopped", "err", err)
	}
}
