package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// Sandbox runs RUN_COMMAND inside a gVisor (runsc) sandbox when the
// runsc binary is present on the host, falling back to a plain
// subprocess otherwise. This mirrors the teacher's demo-mode fallback:
// missing sandboxing infrastructure degrades gracefully instead of
// failing startup.
type Sandbox struct {
	runscPath string
	available bool
}

// NewSandbox looks up runsc on PATH. If absent, the sandbox reports
// unavailable and callers fall back to exec.CommandContext directly.
func NewSandbox() *Sandbox {
	path, err := exec.LookPath("runsc")
	if err != nil {
		slog.Warn("runsc not found, RUN_COMMAND sandbox escalation disabled")
		return &Sandbox{available: false}
	}
	return &Sandbox{runscPath: path, available: true}
}

func (s *Sandbox) Available() bool { return s != nil && s.available }

// Run executes command inside a gVisor sandbox rooted at workRoot with
// networking disabled, returning the same shape as the unsandboxed
// RUN_COMMAND path.
func (s *Sandbox) Run(ctx context.Context, workRoot, command string, outputLimit int64) (any, error) {
	cmd := exec.CommandContext(ctx, s.runscPath,
		"run",
		"--network=none",
		"--platform=ptrace",
		fmt.Sprintf("--rootfs=%s", workRoot),
		"sandboxed-command",
	)
	cmd.Args = append(cmd.Args, "--", "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, &CommandTimeout{}
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox run: %w", runErr)
		}
	}
	return map[string]any{
		"exitCode": exitCode,
		"stdout":   truncateOutput(stdout.String(), outputLimit),
		"stderr":   truncateOutput(stderr.String(), outputLimit),
		"sandbox":  "gvisor",
	}, nil
}
