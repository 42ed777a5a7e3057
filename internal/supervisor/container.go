// Package supervisor launches and monitors the producer/executor
// consumer pair for a project, coordinating lease acquisition, channel
// wiring, and symmetric shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// JobBackend abstracts the runtime that launches a producer or
// executor process as an isolated job, so the supervisor can run
// against local Docker or a cloud job backend without code changes.
type JobBackend interface {
	// CreateJob provisions a new job container for the given image,
	// passing env as its process environment.
	CreateJob(ctx context.Context, image string, env map[string]string) (jobID string, err error)

	// StartJob starts a provisioned job.
	StartJob(ctx context.Context, jobID string) error

	// StopJob stops a running job.
	StopJob(ctx context.Context, jobID string) error

	// RemoveJob removes a job and its resources.
	RemoveJob(ctx context.Context, jobID string) error

	// Wait blocks until the job exits, returning its exit code.
	Wait(ctx context.Context, jobID string) (exitCode int64, err error)

	// Name returns the backend name for logging (e.g. "docker-local", "cloud-jobs").
	Name() string
}

// DockerBackend implements JobBackend using the local Docker daemon,
// the supervisor's default for single-host deployments.
type DockerBackend struct {
	runtime string // e.g. "runsc" for gVisor, "" for default
}

// NewDockerBackend creates a Docker-based job backend. Set runtime to
// "runsc" for gVisor sandboxing, or "" for the default runtime.
func NewDockerBackend(runtime string) *DockerBackend {
	return &DockerBackend{runtime: runtime}
}

func (d *DockerBackend) Name() string {
	if d.runtime != "" {
		return fmt.Sprintf("docker-local/%s", d.runtime)
	}
	return "docker-local"
}

func (d *DockerBackend) CreateJob(ctx context.Context, image string, env map[string]string) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode: "bridge",
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   512 * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if d.runtime != "" {
		hostConfig.Runtime = d.runtime
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Tty:   false,
		Env:   envList,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return resp.ID, nil
}

func (d *DockerBackend) StartJob(ctx context.Context, jobID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, jobID, types.ContainerStartOptions{})
}

func (d *DockerBackend) StopJob(ctx context.Context, jobID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	timeout := 10
	return cli.ContainerStop(ctx, jobID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerBackend) RemoveJob(ctx context.Context, jobID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, jobID, types.ContainerRemoveOptions{Force: true})
}

func (d *DockerBackend) Wait(ctx context.Context, jobID string) (int64, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return 0, err
	}
	defer cli.Close()

	statusCh, errCh := cli.ContainerWait(ctx, jobID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// execInContainer is retained for local debugging of a running job
// (e.g. inspecting workspace contents mid-run); not part of JobBackend.
func (d *DockerBackend) execInContainer(ctx context.Context, jobID string, cmd []string) ([]byte, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	}

	execID, err := cli.ContainerExecCreate(ctx, jobID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, _ := io.ReadAll(resp.Reader)
	return output, nil
}

// CloudJobBackend is the JobBackend placeholder for cloud mode. It makes
// no API calls: CreateJob logs and returns a generated execution id,
// StartJob, StopJob and RemoveJob do nothing beyond logging, and Wait
// always returns an error. No cloud job execution is launched.
type CloudJobBackend struct {
	ProjectID string
	Location  string
	JobName   string
}

func (c *CloudJobBackend) Name() string {
	return fmt.Sprintf("cloud-jobs/%s/%s", c.ProjectID, c.Location)
}

func (c *CloudJobBackend) CreateJob(ctx context.Context, image string, env map[string]string) (string, error) {
	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())

	slog.Info("creating cloud job execution",
		"execution", execID,
		"project", c.ProjectID,
		"location", c.Location,
		"job", c.JobName,
		"image", image,
	)

	// No execution is created; env is not sent anywhere.
	return execID, nil
}

func (c *CloudJobBackend) StartJob(ctx context.Context, jobID string) error {
	// Cloud Run Jobs executions start immediately on creation.
	return nil
}

func (c *CloudJobBackend) StopJob(ctx context.Context, jobID string) error {
	slog.Info("cancelling cloud job execution", "execution", jobID)
	return nil
}

func (c *CloudJobBackend) RemoveJob(ctx context.Context, jobID string) error {
	return nil
}

func (c *CloudJobBackend) Wait(ctx context.Context, jobID string) (int64, error) {
	return 0, fmt.Errorf("cloud job polling requires admin API wiring (execution: %s)", jobID)
}
