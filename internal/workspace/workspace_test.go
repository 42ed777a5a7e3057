package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithinRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	cases := []string{
		"../secret",
		"/etc/passwd",
		"a/../../b",
		"..\\secret",
		"a/../..",
	}
	for _, rel := range cases {
		_, err := ResolveWithin(root, rel)
		assert.Error(t, err, rel)
		var esc *PathEscape
		assert.ErrorAs(t, err, &esc, rel)
	}
}

func TestResolveWithinAllowsNestedPath(t *testing.T) {
	root := t.TempDir()
	p, err := ResolveWithin(root, "a/b/c.txt")
	require.NoError(t, err)
	absRoot, _ := filepath.Abs(root)
	assert.Equal(t, filepath.Join(absRoot, "a/b/c.txt"), p)
}

func TestEnsureWorkRootSanitizesSegments(t *testing.T) {
	base := t.TempDir()
	root, err := EnsureWorkRoot(base, Keys{UserID: "u/1", ProjectID: "p 2", WorkspaceID: "", SessionID: ""})
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Contains(t, root, "default")
}
