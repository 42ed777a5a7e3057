package blobmirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()
	mf := manifest{
		"prefix/a.txt": {RemoteGen: 42, LocalMtime: time.Now().UTC().Truncate(time.Second), LocalSize: 5},
	}
	require.NoError(t, saveManifest(root, mf))

	loaded, err := loadManifest(root)
	require.NoError(t, err)
	assert.Equal(t, mf["prefix/a.txt"].RemoteGen, loaded["prefix/a.txt"].RemoteGen)
	assert.Equal(t, mf["prefix/a.txt"].LocalSize, loaded["prefix/a.txt"].LocalSize)
}

func TestLoadManifestMissingIsEmpty(t *testing.T) {
	root := t.TempDir()
	mf, err := loadManifest(root)
	require.NoError(t, err)
	assert.Empty(t, mf)
}

func TestBlobConflictErrorMessage(t *testing.T) {
	err := &BlobConflict{Object: "prefix/a.txt"}
	assert.Contains(t, err.Error(), "prefix/a.txt")
}
