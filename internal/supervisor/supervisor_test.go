package supervisor

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKeyGeneratesRandom32Bytes(t *testing.T) {
	key, err := resolveKey("")
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestResolveKeyDecodesSuppliedKey(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	key, err := resolveKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestResolveKeyRejectsWrongLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	_, err := resolveKey(short)
	assert.Error(t, err)
}

func TestResolveKeyRejectsInvalidBase64(t *testing.T) {
	_, err := resolveKey("not-base64!!!")
	assert.Error(t, err)
}

func TestJobEnvIncludesConsumerScope(t *testing.T) {
	s := &Supervisor{PubSubTopic: "tool-events"}
	key := make([]byte, 32)
	env := s.jobEnv("u1", "p1", "ws1", "sess1", "c1", key, "req-c1", "resp-c1", 600_000)

	assert.Equal(t, "u1", env["OCX_USER_ID"])
	assert.Equal(t, "p1", env["OCX_PROJECT_ID"])
	assert.Equal(t, "c1", env["OCX_CONSUMER_ID"])
	assert.Equal(t, "req-c1", env["REQ_SUBSCRIPTION"])
	assert.Equal(t, "tool-events", env["PUBSUB_TOPIC"])
	assert.Equal(t, "600000", env["OCX_LEASE_MS"])
}

func TestPublishProgressNoopWhenUnset(t *testing.T) {
	s := &Supervisor{}
	s.publishProgress("c1", "acquiring_lease") // must not panic
	s.clearProgress("c1")                      // must not panic
}

func TestPublishProgressReachesSubscriber(t *testing.T) {
	tracker := NewProgressTracker()
	s := &Supervisor{Progress: tracker}

	ch := tracker.subscribe("c1")
	s.publishProgress("c1", "acquiring_lease")
	assert.Equal(t, "acquiring_lease", <-ch)

	s.clearProgress("c1")
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after clearProgress")
}
