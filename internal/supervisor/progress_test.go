package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPublishDeliversToSubscriber(t *testing.T) {
	p := NewProgressTracker()
	ch := p.subscribe("c1")

	p.Publish("c1", "workspace_resolved")

	select {
	case status := <-ch:
		assert.Equal(t, "workspace_resolved", status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestProgressPublishWithoutSubscriberIsNoop(t *testing.T) {
	p := NewProgressTracker()
	require.NotPanics(t, func() {
		p.Publish("nobody-listening", "status")
	})
}

func TestProgressClearClosesSubscriberChannel(t *testing.T) {
	p := NewProgressTracker()
	ch := p.subscribe("c1")

	p.Clear("c1")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestProgressUnsubscribeRemovesChannel(t *testing.T) {
	p := NewProgressTracker()
	ch := p.subscribe("c1")
	p.unsubscribe("c1", ch)

	p.Publish("c1", "status") // should not panic or block

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive")
	default:
	}
}
