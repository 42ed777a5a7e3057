// Command executor runs the sandboxed tool runtime for one project: it
// accepts tool-invocation requests over the channel from the producer,
// executes them against a path-confined workspace, and returns results.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/toolbridge/internal/blobmirror"
	"github.com/ocx/toolbridge/internal/channel"
	"github.com/ocx/toolbridge/internal/config"
	"github.com/ocx/toolbridge/internal/lease"
	"github.com/ocx/toolbridge/internal/metrics"
	"github.com/ocx/toolbridge/internal/store"
	"github.com/ocx/toolbridge/internal/tools"
	"github.com/ocx/toolbridge/internal/workspace"
)

// workspaceLiveTTL is the Redis liveness key's expiry: comfortably
// longer than a typical tool round trip so a single slow call doesn't
// make an active workspace look dead to external GC.
const workspaceLiveTTL = 10 * time.Minute

func main() {
	cfg := config.Get()

	userID := getEnvOrDefault("OCX_USER_ID", "")
	projectID := getEnvOrDefault("OCX_PROJECT_ID", "")
	workspaceID := getEnvOrDefault("OCX_WORKSPACE_ID", "")
	sessionID := getEnvOrDefault("OCX_SESSION_ID", "")
	consumerID := getEnvOrDefault("OCX_CONSUMER_ID", "")
	if userID == "" || projectID == "" || workspaceID == "" {
		log.Fatal("OCX_USER_ID, OCX_PROJECT_ID and OCX_WORKSPACE_ID are required")
	}

	workRoot, err := workspace.EnsureWorkRoot(cfg.Workspace.BaseDir, workspace.Keys{
		UserID: userID, ProjectID: projectID, WorkspaceID: workspaceID, SessionID: sessionID,
	})
	if err != nil {
		log.Fatalf("ensure work root: %v", err)
	}

	var liveness *store.RedisAdapter
	if cfg.Redis.Addr != "" {
		liveness, err = store.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("executor: redis liveness adapter unavailable, workspace liveness key will not be refreshed", "err", err)
		} else {
			defer liveness.Close()
		}
	}

	pgStore, err := store.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	leaseMgr := &lease.Manager{Store: pgStore}
	leaseMs, _ := strconv.ParseInt(getEnvOrDefault("OCX_LEASE_MS", ""), 10, 64)

	runtime := &tools.Runtime{
		WorkRoot:         workRoot,
		ReadFileMaxBytes: cfg.Tools.ReadFileMaxBytes,
		OutputMaxBytes:   cfg.Tools.OutputMaxBytes,
		DefaultTimeoutS:  cfg.Tools.RunCommandTimeoutSeconds,
	}
	if cfg.Tools.SandboxRuntime != "" {
		sb := tools.NewSandbox()
		if sb.Available() {
			runtime.Sandbox = sb
		} else {
			slog.Warn("executor: sandbox runtime requested but unavailable, falling back to direct exec")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if cfg.GCS.Bucket != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			slog.Warn("executor: GCS client unavailable, GCS_SYNC tool calls will fail", "err", err)
		} else {
			runtime.GCS = &blobmirror.Mirror{
				Client:              gcsClient,
				DownloadConcurrency: cfg.GCS.DownloadConcurrency,
				UploadConcurrency:   cfg.GCS.UploadConcurrency,
				EnableUpload:        cfg.GCS.EnableUpload,
				BillingProject:      cfg.GCS.BillingProject,
			}
		}
	}

	m := metrics.New()

	handler := func(ctx context.Context, req channel.Request) channel.Response {
		args := tools.Arguments{}
		switch v := req.ToolCall.Arguments.(type) {
		case map[string]any:
			args.Object = v
		case string:
			args.Raw = v
		}
		start := time.Now()
		outcome := runtime.Dispatch(ctx, req.ToolCall.Name, args)
		outcomeLabel := "ok"
		if outcome.Error != "" {
			outcomeLabel = "tool_error"
		}
		m.RecordToolExecution(req.ToolCall.Name, outcomeLabel, time.Since(start).Seconds())

		if liveness != nil {
			if err := liveness.TouchWorkspaceLive(ctx, workspaceID, workspaceLiveTTL); err != nil {
				slog.Warn("executor: workspace liveness refresh failed", "err", err)
			}
		}

		resp := channel.Response{ID: req.ID, Error: outcome.Error}
		if outcome.Result != nil {
			raw, merr := json.Marshal(outcome.Result)
			if merr != nil {
				resp.Error = merr.Error()
			} else {
				resp.Result = raw
			}
		}
		return resp
	}

	go serveHealthAndMetrics(getEnvOrDefault("HEALTH_PORT", "9091"))

	server, closeServer := buildChannelServer(ctx, cfg, userID, projectID, sessionID, consumerID)
	defer closeServer()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("executor: received shutdown signal")
		cancel()
	}()

	if leaseMs > 0 {
		go runLeaseRefresh(ctx, cancel, leaseMgr, userID, projectID, consumerID, leaseMs)
	}
	if runtime.GCS != nil {
		go runGCSSync(ctx, runtime.GCS, cfg, workRoot)
	}

	slog.Info("executor starting", "project_id", projectID, "workspace_id", workspaceID, "work_root", workRoot)
	if err := server.Serve(ctx, handler); err != nil && ctx.Err() == nil {
		slog.Error("executor: serve exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("executor stopped")
}

func buildChannelServer(ctx context.Context, cfg *config.Config, userID, projectID, sessionID, consumerID string) (channel.Server, func()) {
	key, err := decodeKey(getEnvOrDefault("ENC_KEY_B64", ""))
	if err != nil {
		log.Fatalf("decode ENC_KEY_B64: %v", err)
	}

	switch cfg.Channel.Kind {
	case "pubsub":
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			log.Fatalf("pubsub client: %v", err)
		}
		reqSub := psClient.Subscription(getEnvOrDefault("REQ_SUBSCRIPTION", ""))
		pscfg := channel.PubSubConfig{
			Client: psClient, Topic: psClient.Topic(cfg.PubSub.Topic),
			UserID: userID, ProjectID: projectID, SessionID: sessionID, Key: key,
			MaxMessages: cfg.PubSub.MaxMessages,
			IdleExit:    time.Duration(cfg.PubSub.IdleExitMs) * time.Millisecond,
		}
		s := channel.NewPubSubServer(pscfg, reqSub)
		return s, func() { _ = s.Close(); _ = psClient.Close() }

	case "redis":
		adapter, err := store.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis adapter: %v", err)
		}
		rcfg := channel.RedisConfig{
			Adapter: adapter, ReqChannel: "req:" + projectID, RespChannel: "resp:" + projectID,
			UserID: userID, ProjectID: projectID, SessionID: sessionID, Key: key,
		}
		s := channel.NewRedisServer(rcfg)
		return s, func() { _ = s.Close(); _ = adapter.Close() }

	default:
		addr := ":" + getEnvOrDefault("PORT", "8081")
		s := channel.NewHTTPServer(addr)
		return s, func() { _ = s.Close() }
	}
}

// runLeaseRefresh keeps the project lease alive, refreshing at ~60% of
// its duration, and self-terminates the executor if another consumer
// wins the lease out from under it (§4.H).
func runLeaseRefresh(ctx context.Context, cancel context.CancelFunc, mgr *lease.Manager, userID, projectID, consumerID string, leaseMs int64) {
	for {
		interval := lease.RefreshInterval(leaseMs, rand.Float64)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		result, err := mgr.Acquire(ctx, userID, projectID, consumerID, leaseMs, "executor")
		if err != nil {
			slog.Warn("executor: lease refresh failed, will retry", "err", err)
			continue
		}
		if result.Conflict {
			slog.Error("executor: lease lost to another consumer, terminating", "holder", result.Holder.ConsumerID)
			cancel()
			return
		}
	}
}

// runGCSSync drives the periodic two-way object-store sync (§4.D),
// running once at startup when configured and then on a fixed ticker.
func runGCSSync(ctx context.Context, mirror *blobmirror.Mirror, cfg *config.Config, workRoot string) {
	syncOnce := func() {
		if _, err := mirror.SyncTo(ctx, cfg.GCS.Bucket, cfg.GCS.PrefixTemplate, workRoot); err != nil {
			slog.Warn("executor: periodic GCS sync failed", "err", err)
		}
	}
	if cfg.GCS.SyncOnStart {
		syncOnce()
	}
	intervalMs := cfg.GCS.SyncIntervalMs
	if intervalMs <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncOnce()
		}
	}
}

func decodeKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return make([]byte, 32), nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
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
		slog.Warn("executor: health/metrics listener stopped", "err", err)
	}
}
