// Package config loads bridge configuration from YAML with environment
// variable overrides, exposed as a process-wide singleton.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration for producer, executor, and supervisor
// binaries. Each binary reads only the sections it needs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	GCS        GCSConfig        `yaml:"gcs"`
	Channel    ChannelConfig    `yaml:"channel"`
	Lease      LeaseConfig      `yaml:"lease"`
	Tools      ToolsConfig      `yaml:"tools"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Auth       AuthConfig       `yaml:"auth"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
}

type ServerConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID      string `yaml:"project_id"`
	Topic          string `yaml:"topic"`
	Subscription   string `yaml:"subscription"`
	ReplyChannel   string `yaml:"reply_channel"`
	MaxMessages    int    `yaml:"max_messages"`
	IdleExitMs     int    `yaml:"idle_exit_ms"`
	SubscriptionTTL int   `yaml:"subscription_ttl_seconds"`
}

type GCSConfig struct {
	Bucket              string `yaml:"bucket"`
	PrefixTemplate      string `yaml:"prefix_template"`
	EnableUpload        bool   `yaml:"enable_upload"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
	UploadConcurrency   int    `yaml:"upload_concurrency"`
	BillingProject      string `yaml:"billing_project"`
	SyncOnStart         bool   `yaml:"sync_on_start"`
	SyncIntervalMs      int    `yaml:"sync_interval_ms"`
}

type ChannelConfig struct {
	Kind               string `yaml:"kind"` // "http" | "pubsub" | "redis"
	ReconnectBackoffMs int    `yaml:"reconnect_backoff_ms"`
	SendTimeoutMs      int    `yaml:"send_timeout_ms"`
	HeartbeatMs        int    `yaml:"heartbeat_ms"`
	ShutdownTimeoutMs  int    `yaml:"shutdown_timeout_ms"`
}

type LeaseConfig struct {
	DefaultMs int `yaml:"default_ms"`
	MinMs     int `yaml:"min_ms"`
	MaxMs     int `yaml:"max_ms"`
}

type ToolsConfig struct {
	ReadFileMaxBytes          int64 `yaml:"read_file_max_bytes"`
	OutputMaxBytes            int64 `yaml:"output_max_bytes"`
	RunCommandTimeoutSeconds  int   `yaml:"run_command_timeout_seconds"`
	SandboxRuntime            string `yaml:"sandbox_runtime"` // "" | "gvisor"
	ErrorCountsAsDelivered    bool  `yaml:"error_counts_as_delivered"`
}

type WorkspaceConfig struct {
	BaseDir        string `yaml:"base_dir"`
	PrefixTemplate string `yaml:"prefix_template"`
}

type SupervisorConfig struct {
	LocalMode          bool   `yaml:"local_mode"`
	ProducerImage      string `yaml:"producer_image"`
	ExecutorImage      string `yaml:"executor_image"`
	DockerRuntime      string `yaml:"docker_runtime"`
	SpiffeSocket       string `yaml:"spiffe_socket"`
	CloudProjectID     string `yaml:"cloud_project_id"`
	CloudLocation      string `yaml:"cloud_location"`
	ProgressCadenceMs  int    `yaml:"progress_cadence_ms"`
}

type AuthConfig struct {
	HMACSecret          string `yaml:"hmac_secret"`
	PreviousHMACSecret  string `yaml:"previous_hmac_secret"`
	DefaultTTLSeconds   int    `yaml:"default_ttl_seconds"`
	RotationGraceSeconds int   `yaml:"rotation_grace_seconds"`
}

type UpstreamConfig struct {
	WorkflowsBaseURL string `yaml:"workflows_base_url"`
	WorkflowsAudience string `yaml:"workflows_audience"`
	ConsumerBaseURL  string `yaml:"consumer_base_url"`
	CloudTasksQueue  string `yaml:"cloud_tasks_queue"`
}

var (
	once     sync.Once
	instance *Config
)

// Get returns the process-wide configuration singleton, loading it on
// first call from CONFIG_PATH (default "config.yaml") plus environment
// overrides.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		path := getEnv("CONFIG_PATH", "config.yaml")
		cfg, err := LoadConfig(path)
		if err != nil {
			slog.Warn("config file not loaded, using defaults+env", "path", path, "err", err)
			cfg = defaults()
		}
		applyEnvOverrides(cfg)
		instance = cfg
	})
	return instance
}

// LoadConfig reads a YAML config file, seeded with defaults for any
// field the file omits.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Env: "development", Port: 8080},
		PubSub: PubSubConfig{MaxMessages: 16, IdleExitMs: 300_000, SubscriptionTTL: 86_400},
		GCS:    GCSConfig{DownloadConcurrency: 4, UploadConcurrency: 4, SyncIntervalMs: 60_000},
		Channel: ChannelConfig{
			Kind:               "http",
			ReconnectBackoffMs: 1000,
			SendTimeoutMs:      20_000,
			HeartbeatMs:        15_000,
			ShutdownTimeoutMs:  10_000,
		},
		Lease: LeaseConfig{DefaultMs: 600_000, MinMs: 5_000, MaxMs: 3_600_000},
		Tools: ToolsConfig{
			ReadFileMaxBytes:         524_288,
			OutputMaxBytes:           262_144,
			RunCommandTimeoutSeconds: 60,
			ErrorCountsAsDelivered:   true,
		},
		Workspace:  WorkspaceConfig{BaseDir: "/var/lib/toolbridge/workspaces", PrefixTemplate: "{userId}/{projectId}/{workspaceId}/{sessionId}"},
		Supervisor: SupervisorConfig{LocalMode: true, ProgressCadenceMs: 1000},
		Auth:       AuthConfig{DefaultTTLSeconds: 900, RotationGraceSeconds: 3600},
	}
}

// applyEnvOverrides mirrors the teacher's flat getEnv*-per-field style:
// each field read below can be overridden by an explicit environment
// variable; fields not listed here come only from YAML or the defaults.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Env = getEnv("OCX_ENV", cfg.Server.Env)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)

	cfg.Postgres.DSN = getEnv("DATABASE_URL", cfg.Postgres.DSN)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.PubSub.ProjectID = getEnv("GOOGLE_CLOUD_PROJECT", cfg.PubSub.ProjectID)
	cfg.PubSub.Topic = getEnv("PUBSUB_TOPIC", cfg.PubSub.Topic)
	cfg.PubSub.Subscription = getEnv("SUBSCRIPTION", cfg.PubSub.Subscription)
	cfg.PubSub.ReplyChannel = getEnv("REPLY_CHANNEL", cfg.PubSub.ReplyChannel)
	cfg.PubSub.MaxMessages = getEnvInt("MAX_MESSAGES", cfg.PubSub.MaxMessages)
	cfg.PubSub.IdleExitMs = getEnvInt("IDLE_EXIT_MS", cfg.PubSub.IdleExitMs)

	cfg.GCS.Bucket = getEnv("GCS_BUCKET", cfg.GCS.Bucket)
	cfg.GCS.PrefixTemplate = getEnv("GCS_PREFIX_TEMPLATE", cfg.GCS.PrefixTemplate)
	cfg.GCS.EnableUpload = getEnvBool("GCS_ENABLE_UPLOAD", cfg.GCS.EnableUpload)
	cfg.GCS.DownloadConcurrency = getEnvInt("GCS_DOWNLOAD_CONCURRENCY", cfg.GCS.DownloadConcurrency)
	cfg.GCS.UploadConcurrency = getEnvInt("GCS_UPLOAD_CONCURRENCY", cfg.GCS.UploadConcurrency)
	cfg.GCS.BillingProject = getEnv("GCS_BILLING_PROJECT", cfg.GCS.BillingProject)
	cfg.GCS.SyncOnStart = getEnvBool("SYNC_ON_START", cfg.GCS.SyncOnStart)
	cfg.GCS.SyncIntervalMs = getEnvInt("SYNC_INTERVAL_MS", cfg.GCS.SyncIntervalMs)

	cfg.Channel.Kind = getEnv("CHANNEL_KIND", cfg.Channel.Kind)
	cfg.Channel.ReconnectBackoffMs = getEnvInt("RECONNECT_BACKOFF_MS", cfg.Channel.ReconnectBackoffMs)
	cfg.Channel.HeartbeatMs = getEnvInt("EVENTS_HEARTBEAT_MS", cfg.Channel.HeartbeatMs)
	cfg.Channel.ShutdownTimeoutMs = getEnvInt("SHUTDOWN_TIMEOUT_MS", cfg.Channel.ShutdownTimeoutMs)

	cfg.Lease.DefaultMs = getEnvInt("LOCK_LEASE_MS", cfg.Lease.DefaultMs)

	cfg.Tools.ReadFileMaxBytes = int64(getEnvInt("READ_FILE_MAX_BYTES", int(cfg.Tools.ReadFileMaxBytes)))
	cfg.Tools.OutputMaxBytes = int64(getEnvInt("OUTPUT_MAX_BYTES", int(cfg.Tools.OutputMaxBytes)))
	cfg.Tools.RunCommandTimeoutSeconds = getEnvInt("RUN_COMMAND_TIMEOUT_SECONDS", cfg.Tools.RunCommandTimeoutSeconds)
	cfg.Tools.SandboxRuntime = getEnv("RUN_COMMAND_SANDBOX", cfg.Tools.SandboxRuntime)
	cfg.Tools.ErrorCountsAsDelivered = getEnvBool("ERROR_COUNTS_AS_DELIVERED", cfg.Tools.ErrorCountsAsDelivered)

	cfg.Workspace.BaseDir = getEnv("WORK_ROOT_BASE", cfg.Workspace.BaseDir)
	cfg.Workspace.PrefixTemplate = getEnv("WORK_PREFIX_TEMPLATE", cfg.Workspace.PrefixTemplate)

	cfg.Supervisor.LocalMode = getEnvBool("SUPERVISOR_LOCAL_MODE", cfg.Supervisor.LocalMode)
	cfg.Supervisor.DockerRuntime = getEnv("DOCKER_RUNTIME", cfg.Supervisor.DockerRuntime)
	cfg.Supervisor.SpiffeSocket = getEnv("SPIFFE_ENDPOINT_SOCKET", cfg.Supervisor.SpiffeSocket)
	cfg.Supervisor.CloudProjectID = getEnv("CLOUD_JOB_PROJECT", cfg.Supervisor.CloudProjectID)
	cfg.Supervisor.CloudLocation = getEnv("CLOUD_JOB_LOCATION", cfg.Supervisor.CloudLocation)

	cfg.Auth.HMACSecret = getEnv("SERVICE_TOKEN_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Auth.PreviousHMACSecret = getEnv("SERVICE_TOKEN_HMAC_SECRET_PREVIOUS", cfg.Auth.PreviousHMACSecret)

	cfg.Upstream.WorkflowsBaseURL = getEnv("WORKFLOWS_BASE_URL", cfg.Upstream.WorkflowsBaseURL)
	cfg.Upstream.WorkflowsAudience = getEnv("WORKFLOWS_AUDIENCE", cfg.Upstream.WorkflowsAudience)
	cfg.Upstream.ConsumerBaseURL = getEnv("CONSUMER_BASE_URL", cfg.Upstream.ConsumerBaseURL)
	cfg.Upstream.CloudTasksQueue = getEnv("CLOUD_TASKS_QUEUE", cfg.Upstream.CloudTasksQueue)
}

func (c *Config) IsProduction() bool  { return strings.EqualFold(c.Server.Env, "production") }
func (c *Config) IsDevelopment() bool { return !c.IsProduction() }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
