package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDockerBackendNameDefault(t *testing.T) {
	b := NewDockerBackend("")
	assert.Equal(t, "docker-local", b.Name())
}

func TestDockerBackendNameWithRuntime(t *testing.T) {
	b := NewDockerBackend("runsc")
	assert.Equal(t, "docker-local/runsc", b.Name())
}

func TestCloudJobBackendName(t *testing.T) {
	b := &CloudJobBackend{ProjectID: "proj1", Location: "us-central1"}
	assert.Equal(t, "cloud-jobs/proj1/us-central1", b.Name())
}
