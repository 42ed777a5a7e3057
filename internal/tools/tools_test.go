package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	root := t.TempDir()
	return &Runtime{WorkRoot: root, ReadFileMaxBytes: 1024, OutputMaxBytes: 1024, DefaultTimeoutS: 5}
}

func TestReadFileHappyPath(t *testing.T) {
	r := newRuntime(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.WorkRoot, "a.txt"), []byte("hello"), 0o644))

	out := r.Dispatch(context.Background(), "READ_FILE", Arguments{Raw: `{"filepath":"a.txt"}`})
	require.Empty(t, out.Error)
	m := out.Result.(map[string]any)
	assert.Equal(t, "hello", m["content"])
	assert.Equal(t, false, m["truncated"])
	assert.Equal(t, 5, m["bytes"])
}

func TestReadFileTruncationBoundary(t *testing.T) {
	r := newRuntime(t)
	r.ReadFileMaxBytes = 5
	require.NoError(t, os.WriteFile(filepath.Join(r.WorkRoot, "exact.txt"), []byte("abcde"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.WorkRoot, "over.txt"), []byte("abcdef"), 0o644))

	out := r.Dispatch(context.Background(), "READ_FILE", Arguments{Object: map[string]any{"filepath": "exact.txt"}})
	assert.Equal(t, false, out.Result.(map[string]any)["truncated"])

	out = r.Dispatch(context.Background(), "READ_FILE", Arguments{Object: map[string]any{"filepath": "over.txt"}})
	assert.Equal(t, true, out.Result.(map[string]any)["truncated"])
}

func TestUpdateFilePathEscape(t *testing.T) {
	r := newRuntime(t)
	out := r.Dispatch(context.Background(), "UPDATE_FILE", Arguments{Object: map[string]any{
		"filepath": "../secret",
		"content":  "x",
	}})
	require.Empty(t, out.Result)
	assert.Contains(t, out.Error, "escapes")

	_, err := os.Stat(filepath.Join(filepath.Dir(r.WorkRoot), "secret"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCommandCapturesExitCode(t *testing.T) {
	r := newRuntime(t)
	out := r.Dispatch(context.Background(), "RUN_COMMAND", Arguments{Object: map[string]any{"command": "exit 3"}})
	require.Empty(t, out.Error)
	assert.Equal(t, 3, out.Result.(map[string]any)["exitCode"])
}

func TestUnknownToolIsSuccessfulNoop(t *testing.T) {
	r := newRuntime(t)
	out := r.Dispatch(context.Background(), "FLY_TO_MOON", Arguments{})
	assert.Empty(t, out.Error)
	assert.Nil(t, out.Result)
}

func TestTruncateOutputBounded(t *testing.T) {
	s := make([]byte, 1000)
	for i := range s {
		s[i] = 'x'
	}
	out := truncateOutput(string(s), 100)
	assert.LessOrEqual(t, len(out), 100+len("\n...[truncated]...\n"))
}
