// Package tools implements the executor's four named tool handlers:
// READ_FILE, UPDATE_FILE, RUN_COMMAND, GCS_SYNC.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ocx/toolbridge/internal/workspace"
)

// Arguments is a tagged union over the two shapes upstream events use
// for tool-call arguments: a parsed object, or a raw JSON/opaque string.
type Arguments struct {
	Object map[string]any
	Raw    string
}

// Normalize parses Raw as JSON into Object when Object is empty and Raw
// looks like a JSON object; otherwise leaves Arguments unchanged.
func (a Arguments) Normalize() Arguments {
	if a.Object != nil || a.Raw == "" {
		return a
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(a.Raw), &obj); err == nil {
		return Arguments{Object: obj}
	}
	return a
}

func (a Arguments) str(key string) (string, bool) {
	v, ok := a.Object[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (a Arguments) boolOr(key string, fallback bool) bool {
	v, ok := a.Object[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// Outcome is the result of a tool invocation: exactly one of Result or
// Error is meaningful, mirroring the §4.C/§9 Success|ToolError split.
type Outcome struct {
	Result any
	Error  string
}

// MissingArgument/NotAFile/etc are returned as plain errors by handlers
// and converted to Outcome.Error by Dispatch — handlers never panic on
// bad input, they return these.
type MissingArgument struct{ Field string }

func (e *MissingArgument) Error() string { return fmt.Sprintf("missing argument: %s", e.Field) }

type NotAFile struct{ Path string }

func (e *NotAFile) Error() string { return fmt.Sprintf("not a regular file: %s", e.Path) }

type CommandTimeout struct{ Seconds int }

func (e *CommandTimeout) Error() string { return fmt.Sprintf("command timed out after %ds", e.Seconds) }

// Runtime executes tools against a workspace root.
type Runtime struct {
	WorkRoot        string
	ReadFileMaxBytes int64
	OutputMaxBytes   int64
	DefaultTimeoutS  int
	Sandbox          *Sandbox // optional; nil disables gVisor escalation
	GCS              BlobSyncer
}

// BlobSyncer is the subset of the blob mirror that GCS_SYNC delegates
// to; kept as an interface so the tool runtime doesn't import the GCS
// SDK directly.
type BlobSyncer interface {
	Sync(ctx context.Context, bucket, prefix, token, workRoot string) (any, error)
}

// Dispatch executes the named tool. Unknown tool names return a nil
// result — a successful delivery with no work done, per §4.C.
func (r *Runtime) Dispatch(ctx context.Context, name string, args Arguments) Outcome {
	args = args.Normalize()
	var (
		result any
		err    error
	)
	switch name {
	case "READ_FILE":
		result, err = r.readFile(args)
	case "UPDATE_FILE":
		result, err = r.updateFile(args)
	case "RUN_COMMAND":
		result, err = r.runCommand(ctx, args)
	case "GCS_SYNC":
		result, err = r.gcsSync(ctx, args)
	default:
		return Outcome{Result: nil}
	}
	if err != nil {
		return Outcome{Result: nil, Error: err.Error()}
	}
	return Outcome{Result: result}
}

func (r *Runtime) resolve(rel string) (string, error) {
	return workspace.ResolveWithin(r.WorkRoot, rel)
}

func (r *Runtime) readFile(args Arguments) (any, error) {
	rel, ok := args.str("filepath")
	if !ok {
		return nil, &MissingArgument{Field: "filepath"}
	}
	abs, err := r.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &NotAFile{Path: rel}
	}
	limit := r.ReadFileMaxBytes
	if limit <= 0 {
		limit = 524_288
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, limit+1)
	n, _ := f.Read(buf)
	truncated := int64(n) > limit
	if truncated {
		n = int(limit)
	}
	return map[string]any{
		"filepath":  rel,
		"content":   string(buf[:n]),
		"truncated": truncated,
		"bytes":     n,
	}, nil
}

func (r *Runtime) updateFile(args Arguments) (any, error) {
	rel, ok := args.str("filepath")
	if !ok {
		return nil, &MissingArgument{Field: "filepath"}
	}
	content, ok := args.str("content")
	if !ok {
		return nil, &MissingArgument{Field: "content"}
	}
	append_ := args.boolOr("append", false)
	mkdirp := args.boolOr("mkdirp", true)

	abs, err := r.resolve(rel)
	if err != nil {
		return nil, err
	}
	if mkdirp {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if append_ {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := f.WriteString(content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filepath":     rel,
		"bytesWritten": n,
		"append":       append_,
	}, nil
}

func (r *Runtime) runCommand(ctx context.Context, args Arguments) (any, error) {
	command, ok := args.str("command")
	if !ok {
		return nil, &MissingArgument{Field: "command"}
	}
	timeoutS := r.DefaultTimeoutS
	if timeoutS <= 0 {
		timeoutS = 60
	}
	if v, ok := args.Object["timeoutSeconds"]; ok {
		if f, ok := v.(float64); ok {
			timeoutS = int(f)
		}
	}
	timeoutS = clamp(timeoutS, 1, 600)

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	if r.Sandbox != nil && r.Sandbox.Available() {
		return r.Sandbox.Run(cctx, r.WorkRoot, command, r.outputLimit())
	}

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = r.WorkRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if cctx.Err() == context.DeadlineExceeded {
		return nil, &CommandTimeout{Seconds: timeoutS}
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, runErr
		}
	}
	limit := r.outputLimit()
	return map[string]any{
		"exitCode": exitCode,
		"stdout":   truncateOutput(stdout.String(), limit),
		"stderr":   truncateOutput(stderr.String(), limit),
	}, nil
}

func (r *Runtime) outputLimit() int64 {
	if r.OutputMaxBytes <= 0 {
		return 262_144
	}
	return r.OutputMaxBytes
}

func (r *Runtime) gcsSync(ctx context.Context, args Arguments) (any, error) {
	bucket, ok := args.str("bucket")
	if !ok {
		return nil, &MissingArgument{Field: "bucket"}
	}
	prefix, _ := args.str("prefix")
	token, _ := args.str("token")
	if r.GCS == nil {
		return nil, fmt.Errorf("GCS_SYNC: blob mirror not configured")
	}
	return r.GCS.Sync(ctx, bucket, prefix, token, r.WorkRoot)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncateOutput caps s to limit bytes, keeping 60% from the head and
// 30% from the tail with a marker in between, per §4.C.
func truncateOutput(s string, limit int64) string {
	if int64(len(s)) <= limit {
		return s
	}
	marker := "\n...[truncated]...\n"
	headLen := int64(float64(limit) * 0.6)
	tailLen := int64(float64(limit) * 0.3)
	if headLen+tailLen > limit {
		tailLen = limit - headLen
	}
	return s[:headLen] + marker + s[int64(len(s))-tailLen:]
}
