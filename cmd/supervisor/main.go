// Command supervisor exposes the control-plane HTTP surface that
// starts and stops producer/executor pairs: lease acquisition, job
// launch, progress streaming, and metrics.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/toolbridge/internal/auth"
	"github.com/ocx/toolbridge/internal/config"
	"github.com/ocx/toolbridge/internal/identity"
	"github.com/ocx/toolbridge/internal/lease"
	"github.com/ocx/toolbridge/internal/metrics"
	"github.com/ocx/toolbridge/internal/middleware"
	"github.com/ocx/toolbridge/internal/store"
	"github.com/ocx/toolbridge/internal/supervisor"
)

func main() {
	cfg := config.Get()

	pgStore, err := store.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	metricsRegistry := metrics.New()

	leaseMgr := &lease.Manager{Store: pgStore}

	var tokenBroker *auth.Broker
	if cfg.Auth.HMACSecret != "" {
		tokenBroker = auth.NewBroker(
			[]byte(cfg.Auth.HMACSecret),
			[]byte(cfg.Auth.PreviousHMACSecret),
			time.Duration(cfg.Auth.DefaultTTLSeconds)*time.Second,
			"toolbridge-supervisor",
		)
	} else {
		slog.Warn("supervisor: no SERVICE_TOKEN_HMAC_SECRET set, control-plane auth disabled")
	}

	var spiffeVerifier *identity.SPIFFEVerifier
	if cfg.Supervisor.SpiffeSocket != "" {
		v, err := identity.NewSPIFFEVerifier(cfg.Supervisor.SpiffeSocket)
		if err != nil {
			slog.Warn("supervisor: SPIRE agent unavailable, continuing without SPIFFE identity binding", "err", err)
		} else {
			spiffeVerifier = v
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var psClient *pubsub.Client
	if cfg.PubSub.ProjectID != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			slog.Warn("supervisor: pubsub client unavailable, subscriptions will not be provisioned", "err", err)
		}
	}

	sup := supervisor.New()
	sup.WorkspaceBase = cfg.Workspace.BaseDir
	sup.WorkspacePrefix = cfg.Workspace.PrefixTemplate
	sup.Lease = leaseMgr
	sup.PubSubClient = psClient
	sup.PubSubTopic = cfg.PubSub.Topic
	sup.LocalBackend = newLocalBackend(cfg)
	sup.CloudBackend = newCloudBackend(cfg)
	sup.ProducerImage = cfg.Supervisor.ProducerImage
	sup.ExecutorImage = cfg.Supervisor.ExecutorImage
	sup.Identity = spiffeVerifier
	sup.TrustDomain = getEnvOrDefault("SPIFFE_TRUST_DOMAIN", "toolbridge.internal")
	sup.AuthBroker = tokenBroker
	sup.ProgressCadence = time.Duration(cfg.Supervisor.ProgressCadenceMs) * time.Millisecond
	sup.Metrics = metricsRegistry

	if cfg.Redis.Addr != "" {
		redisAdapter, err := store.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("supervisor: redis liveness adapter unavailable", "err", err)
		} else {
			sup.Liveness = redisAdapter
		}
	}

	progress := supervisor.NewProgressTracker()
	sup.Progress = progress
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 120,
		BurstSize:         30,
	})

	if tokenBroker != nil {
		go runTokenSweep(ctx, tokenBroker, time.Duration(cfg.Auth.RotationGraceSeconds)*time.Second)
	}

	server := &supervisor.Server{
		Supervisor:  sup,
		Progress:    progress,
		AuthBroker:  tokenBroker,
		RateLimiter: rateLimiter,
	}

	addr := ":" + getEnvOrDefault("PORT", "8082")
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("supervisor: received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Channel.ShutdownTimeoutMs)*time.Millisecond)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("supervisor: graceful shutdown failed", "err", err)
		}
		cancel()
	}()

	slog.Info("supervisor starting", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("supervisor: listen failed", "err", err)
		os.Exit(1)
	}
	slog.Info("supervisor stopped")
}

// runTokenSweep periodically drops revocation entries older than
// olderThan so the broker's revoked set doesn't grow unbounded over a
// long-running supervisor process.
func runTokenSweep(ctx context.Context, broker *auth.Broker, olderThan time.Duration) {
	if olderThan <= 0 {
		olderThan = time.Hour
	}
	ticker := time.NewTicker(olderThan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broker.SweepExpired(olderThan)
		}
	}
}

func newLocalBackend(cfg *config.Config) supervisor.JobBackend {
	if !cfg.Supervisor.LocalMode {
		return nil
	}
	return supervisor.NewDockerBackend(cfg.Supervisor.DockerRuntime)
}

func newCloudBackend(cfg *config.Config) supervisor.JobBackend {
	if cfg.Supervisor.CloudProjectID == "" {
		return nil
	}
	return &supervisor.CloudJobBackend{
		ProjectID: cfg.Supervisor.CloudProjectID,
		Location:  cfg.Supervisor.CloudLocation,
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
