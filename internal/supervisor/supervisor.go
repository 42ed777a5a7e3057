package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"github.com/ocx/toolbridge/internal/auth"
	"github.com/ocx/toolbridge/internal/envelope"
	"github.com/ocx/toolbridge/internal/identity"
	"github.com/ocx/toolbridge/internal/lease"
	"github.com/ocx/toolbridge/internal/metrics"
	"github.com/ocx/toolbridge/internal/store"
	"github.com/ocx/toolbridge/internal/workspace"
)

// StartRequest is the body of POST /producer/start.
type StartRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	SinceID     string `json:"since_id"`
	SinceTime   string `json:"since_time"`
	LeaseMs     int64  `json:"leaseMs"`
	LocalMode   *bool  `json:"localMode"`
	EncKeyB64   string `json:"ENC_KEY_B64"`
	EncVer      string `json:"ENC_VER"`
}

// LaunchInfo describes a successful launch, returned as the 202 body.
type LaunchInfo struct {
	Mode             string `json:"mode"`
	ConsumerID       string `json:"consumerId"`
	ProducerJobID    string `json:"producerJobId,omitempty"`
	ExecutorJobID    string `json:"executorJobId,omitempty"`
	ReqSubscription  string `json:"reqSubscription,omitempty"`
	RespSubscription string `json:"respSubscription,omitempty"`
	KeyFingerprint   string `json:"keyFingerprint"`
	Topic            string `json:"topic,omitempty"`
}

// ConflictInfo is returned in place of LaunchInfo when the project's
// lease is held by another consumer.
type ConflictInfo struct {
	Conflict    bool   `json:"conflict"`
	HolderID    string `json:"holderConsumerId"`
	MsRemaining int64  `json:"msRemaining"`
}

// Supervisor launches and monitors a producer/executor pair for a
// project, coordinating workspace resolution, the project lease, the
// pub/sub channel's subscriptions, and the job backend.
type Supervisor struct {
	WorkspaceBase      string
	WorkspacePrefix     string
	Lease              *lease.Manager
	PubSubClient       *pubsub.Client
	PubSubTopic        string
	LocalBackend       JobBackend
	CloudBackend       JobBackend
	ProducerImage      string
	ExecutorImage      string
	Identity           *identity.SPIFFEVerifier // optional, nil disables the consumer SVID check
	TrustDomain        string
	AuthBroker         *auth.Broker
	ProgressCadence    time.Duration
	Metrics            *metrics.Metrics // optional, nil disables recording
	Progress           *ProgressTracker // optional, nil disables progress publishing
	Liveness           *store.RedisAdapter // optional, nil disables workspace liveness checks

	mu       sync.Mutex
	monitors map[string]context.CancelFunc // consumerId -> exit monitor cancel
}

// New builds a Supervisor. Callers wire LocalBackend/CloudBackend and
// select at Start time via req.LocalMode.
func New() *Supervisor {
	return &Supervisor{monitors: map[string]context.CancelFunc{}}
}

// Start implements §4.I's start operation.
func (s *Supervisor) Start(ctx context.Context, userID, projectID string, req StartRequest) (*LaunchInfo, *ConflictInfo, error) {
	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = "default"
	}

	// 0. Generate the opaque consumerId up front so progress frames for
	// every later step can be addressed to it.
	consumerID := uuid.NewString()

	if s.Liveness != nil {
		live, err := s.Liveness.WorkspaceLive(ctx, workspaceID)
		if err != nil {
			slog.Warn("supervisor: workspace liveness check failed, continuing", "err", err)
		} else if live {
			slog.Info("supervisor: workspace already has a live liveness key", "workspace_id", workspaceID)
		}
	}

	// 1. Resolve workspace (create if absent).
	s.publishProgress(consumerID, "resolving_workspace")
	workRoot, err := workspace.EnsureWorkRoot(s.WorkspaceBase, workspace.Keys{
		UserID: userID, ProjectID: projectID, WorkspaceID: workspaceID, SessionID: req.SessionID,
	})
	if err != nil {
		s.clearProgress(consumerID)
		return nil, nil, fmt.Errorf("resolve workspace: %w", err)
	}

	// 2. Derive or accept the 32-byte encryption key and its fingerprint.
	s.publishProgress(consumerID, "deriving_key")
	key, err := resolveKey(req.EncKeyB64)
	if err != nil {
		s.clearProgress(consumerID)
		return nil, nil, err
	}
	fingerprint := envelope.Fingerprint(key)

	// 3. Acquire lease; on conflict return holder info.
	s.publishProgress(consumerID, "acquiring_lease")
	leaseMs := req.LeaseMs
	if leaseMs <= 0 {
		leaseMs = lease.MaxLeaseMs / 6 // 10 minutes, the package default
	}
	result, err := s.Lease.Acquire(ctx, userID, projectID, consumerID, leaseMs, "supervisor")
	if err != nil {
		s.clearProgress(consumerID)
		return nil, nil, fmt.Errorf("acquire lease: %w", err)
	}
	if result.Conflict {
		s.recordLeaseOutcome(projectID, "conflict")
		s.clearProgress(consumerID)
		return nil, &ConflictInfo{
			Conflict:    true,
			HolderID:    result.Holder.ConsumerID,
			MsRemaining: result.MsRemaining,
		}, nil
	}
	if result.Refreshed {
		s.recordLeaseOutcome(projectID, "refreshed")
	} else {
		s.recordLeaseOutcome(projectID, "acquired")
	}

	localMode := true
	if req.LocalMode != nil {
		localMode = *req.LocalMode
	}

	// 4. Create req/resp subscriptions (pub/sub mode) with attribute
	// filters. When SPIFFE is configured the consumer's SVID is checked
	// and a failure is only logged; no identity is bound to the
	// subscriptions.
	s.publishProgress(consumerID, "provisioning_subscriptions")
	var reqSub, respSub string
	if s.PubSubClient != nil {
		reqSub, respSub, err = s.createSubscriptions(ctx, projectID, consumerID)
		if err != nil {
			_, _ = s.Lease.Release(ctx, userID, projectID, consumerID, true)
			s.clearProgress(consumerID)
			return nil, nil, fmt.Errorf("create subscriptions: %w", err)
		}
		if s.Identity != nil {
			spiffeID := identity.ConsumerSPIFFEID(s.TrustDomain, consumerID)
			if _, err := s.Identity.VerifyConsumerSVID(spiffeID); err != nil {
				slog.Warn("supervisor: SPIFFE identity binding unavailable, continuing without it", "err", err)
			}
		}
	}

	// 5. Launch executor and producer.
	s.publishProgress(consumerID, "launching_jobs")
	info := &LaunchInfo{
		ConsumerID:       consumerID,
		KeyFingerprint:   fingerprint,
		ReqSubscription:  reqSub,
		RespSubscription: respSub,
		Topic:            s.PubSubTopic,
	}

	env := s.jobEnv(userID, projectID, workspaceID, req.SessionID, consumerID, key, reqSub, respSub, leaseMs)

	if localMode {
		info.Mode = "local"
		producerID, executorID, err := s.launchLocal(ctx, env)
		if err != nil {
			s.rollback(ctx, userID, projectID, consumerID, reqSub, respSub)
			s.clearProgress(consumerID)
			return nil, nil, err
		}
		info.ProducerJobID = producerID
		info.ExecutorJobID = executorID

		// 7. Install a child-exit monitor: when either the producer or
		// the executor exits, stop the other and release the lease.
		s.watchExit(userID, projectID, consumerID, producerID, executorID)
	} else {
		info.Mode = "cloud"
		producerID, executorID, err := s.launchCloud(ctx, env)
		if err != nil {
			s.rollback(ctx, userID, projectID, consumerID, reqSub, respSub)
			s.clearProgress(consumerID)
			return nil, nil, err
		}
		info.ProducerJobID = producerID
		info.ExecutorJobID = executorID
	}

	// 6. Persist runtime info.
	s.publishProgress(consumerID, "persisting_runtime")
	runtime := map[string]any{
		"mode":             info.Mode,
		"producerJobId":    info.ProducerJobID,
		"executorJobId":    info.ExecutorJobID,
		"reqSubscription":  reqSub,
		"respSubscription": respSub,
		"keyFingerprint":   fingerprint,
		"topic":            s.PubSubTopic,
		"workRoot":         workRoot,
	}
	if err := s.Lease.SetRuntimeInfo(ctx, userID, projectID, consumerID, runtime); err != nil {
		slog.Warn("supervisor: failed to persist runtime info", "err", err)
	}

	s.publishProgress(consumerID, "ready")
	s.clearProgress(consumerID)
	return info, nil, nil
}

func (s *Supervisor) publishProgress(consumerID, status string) {
	if s.Progress != nil {
		s.Progress.Publish(consumerID, status)
	}
}

func (s *Supervisor) clearProgress(consumerID string) {
	if s.Progress != nil {
		s.Progress.Clear(consumerID)
	}
}

// Stop implements §4.I's stop operation.
func (s *Supervisor) Stop(ctx context.Context, userID, projectID, consumerID string) (mode string, released bool, err error) {
	status, err := s.Lease.Status(ctx, userID, projectID)
	if err != nil {
		return "", false, err
	}
	if !status.Locked || status.Holder == nil {
		return "", false, nil
	}
	runtime := status.Holder.Runtime
	holderID := status.Holder.ConsumerID
	if consumerID == "" {
		consumerID = holderID
	}

	reqSub, _ := runtime["reqSubscription"].(string)
	respSub, _ := runtime["respSubscription"].(string)
	mode, _ = runtime["mode"].(string)

	// 2. Delete req/resp subscriptions (best-effort).
	s.deleteSubscriptions(ctx, reqSub, respSub)

	s.mu.Lock()
	if cancel, ok := s.monitors[holderID]; ok {
		cancel()
		delete(s.monitors, holderID)
	}
	s.mu.Unlock()

	switch mode {
	case "local":
		producerID, _ := runtime["producerJobId"].(string)
		executorID, _ := runtime["executorJobId"].(string)
		if producerID != "" {
			_ = s.LocalBackend.StopJob(ctx, producerID)
			_ = s.LocalBackend.RemoveJob(ctx, producerID)
		}
		if executorID != "" {
			_ = s.LocalBackend.StopJob(ctx, executorID)
			_ = s.LocalBackend.RemoveJob(ctx, executorID)
		}
	case "cloud":
		executorID, _ := runtime["executorJobId"].(string)
		if executorID != "" && s.CloudBackend != nil {
			// Cancellation of a managed cloud execution is out of
			// core scope; we mark the intent and move on.
			_ = s.CloudBackend.StopJob(ctx, executorID)
		}
	}

	result, err := s.Lease.Release(ctx, userID, projectID, holderID, true)
	s.clearProgress(holderID)
	if err != nil {
		return mode, false, err
	}
	return mode, result.Released, nil
}

func (s *Supervisor) rollback(ctx context.Context, userID, projectID, consumerID, reqSub, respSub string) {
	s.deleteSubscriptions(ctx, reqSub, respSub)
	_, _ = s.Lease.Release(ctx, userID, projectID, consumerID, true)
}

func (s *Supervisor) createSubscriptions(ctx context.Context, projectID, consumerID string) (reqSub, respSub string, err error) {
	topic := s.PubSubClient.Topic(s.PubSubTopic)

	reqName := fmt.Sprintf("req-%s", consumerID)
	respName := fmt.Sprintf("resp-%s", consumerID)
	filter := fmt.Sprintf(`attributes.project_id = "%s"`, projectID)

	reqConfig := pubsub.SubscriptionConfig{
		Topic:            topic,
		Filter:           filter + ` AND attributes.channel = "req"`,
		ExpirationPolicy: 24 * time.Hour,
	}
	respConfig := pubsub.SubscriptionConfig{
		Topic:            topic,
		Filter:           filter + ` AND attributes.channel = "resp"`,
		ExpirationPolicy: 24 * time.Hour,
	}

	if _, err := s.PubSubClient.CreateSubscription(ctx, reqName, reqConfig); err != nil {
		return "", "", fmt.Errorf("create req subscription: %w", err)
	}
	if _, err := s.PubSubClient.CreateSubscription(ctx, respName, respConfig); err != nil {
		_ = s.PubSubClient.Subscription(reqName).Delete(ctx)
		return "", "", fmt.Errorf("create resp subscription: %w", err)
	}
	return reqName, respName, nil
}

func (s *Supervisor) deleteSubscriptions(ctx context.Context, reqSub, respSub string) {
	if s.PubSubClient == nil {
		return
	}
	if reqSub != "" {
		if err := s.PubSubClient.Subscription(reqSub).Delete(ctx); err != nil {
			slog.Warn("supervisor: delete req subscription failed", "sub", reqSub, "err", err)
		}
	}
	if respSub != "" {
		if err := s.PubSubClient.Subscription(respSub).Delete(ctx); err != nil {
			slog.Warn("supervisor: delete resp subscription failed", "sub", respSub, "err", err)
		}
	}
}

func (s *Supervisor) jobEnv(userID, projectID, workspaceID, sessionID, consumerID string, key []byte, reqSub, respSub string, leaseMs int64) map[string]string {
	return map[string]string{
		"OCX_USER_ID":       userID,
		"OCX_PROJECT_ID":    projectID,
		"OCX_WORKSPACE_ID":  workspaceID,
		"OCX_SESSION_ID":    sessionID,
		"OCX_CONSUMER_ID":   consumerID,
		"ENC_KEY_B64":       base64.StdEncoding.EncodeToString(key),
		"ENC_VER":           envelope.Scheme,
		"REQ_SUBSCRIPTION":  reqSub,
		"RESP_SUBSCRIPTION": respSub,
		"PUBSUB_TOPIC":      s.PubSubTopic,
		"OCX_LEASE_MS":      fmt.Sprint(leaseMs),
	}
}

func (s *Supervisor) launchLocal(ctx context.Context, env map[string]string) (producerID, executorID string, err error) {
	if s.LocalBackend == nil {
		return "", "", fmt.Errorf("no local job backend configured")
	}
	producerID, err = s.LocalBackend.CreateJob(ctx, s.ProducerImage, env)
	if err != nil {
		return "", "", fmt.Errorf("create producer job: %w", err)
	}
	if err := s.LocalBackend.StartJob(ctx, producerID); err != nil {
		return "", "", fmt.Errorf("start producer job: %w", err)
	}
	executorID, err = s.LocalBackend.CreateJob(ctx, s.ExecutorImage, env)
	if err != nil {
		_ = s.LocalBackend.StopJob(ctx, producerID)
		return "", "", fmt.Errorf("create executor job: %w", err)
	}
	if err := s.LocalBackend.StartJob(ctx, executorID); err != nil {
		_ = s.LocalBackend.StopJob(ctx, producerID)
		return "", "", fmt.Errorf("start executor job: %w", err)
	}
	return producerID, executorID, nil
}

func (s *Supervisor) launchCloud(ctx context.Context, env map[string]string) (producerID, executorID string, err error) {
	if s.CloudBackend == nil {
		return "", "", fmt.Errorf("no cloud job backend configured")
	}
	producerID, err = s.CloudBackend.CreateJob(ctx, s.ProducerImage, env)
	if err != nil {
		return "", "", fmt.Errorf("create producer job run: %w", err)
	}
	executorID, err = s.CloudBackend.CreateJob(ctx, s.ExecutorImage, env)
	if err != nil {
		return "", "", fmt.Errorf("create executor job run: %w", err)
	}
	return producerID, executorID, nil
}

// watchExit installs a symmetric monitor: whichever of the producer or
// executor job exits first triggers shutdown of the other and lease
// release, mirroring §4.I step 8's "when the producer exits" rule
// generalized to either peer exiting first.
func (s *Supervisor) watchExit(userID, projectID, consumerID, producerID, executorID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.monitors[consumerID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.monitors, consumerID)
			s.mu.Unlock()
		}()

		type exit struct {
			who  string
			code int64
			err  error
		}
		done := make(chan exit, 2)
		go func() {
			code, err := s.LocalBackend.Wait(ctx, producerID)
			done <- exit{who: "producer", code: code, err: err}
		}()
		go func() {
			code, err := s.LocalBackend.Wait(ctx, executorID)
			done <- exit{who: "executor", code: code, err: err}
		}()

		select {
		case first := <-done:
			if first.err == context.Canceled {
				return
			}
			slog.Info("supervisor: consumer process exited, stopping peer", "who", first.who, "consumer_id", consumerID, "exit_code", first.code)
			otherID := executorID
			if first.who == "executor" {
				otherID = producerID
			}
			_ = s.LocalBackend.StopJob(context.Background(), otherID)
			_ = s.LocalBackend.RemoveJob(context.Background(), otherID)
			_, _ = s.Lease.Release(context.Background(), userID, projectID, consumerID, true)
		case <-ctx.Done():
			return
		}
	}()
}

func (s *Supervisor) recordLeaseOutcome(projectID, outcome string) {
	if s.Metrics != nil {
		s.Metrics.RecordLeaseAcquire(projectID, outcome)
	}
}

func resolveKey(encKeyB64 string) ([]byte, error) {
	if encKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(encKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode ENC_KEY_B64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("ENC_KEY_B64 must decode to 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
