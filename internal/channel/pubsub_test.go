package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithIdleExitDisabledWhenZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, touch, stop := withIdleExit(ctx, 0)
	defer stop()
	assert.Same(t, ctx, out)
	touch() // no-op, must not panic
}

func TestWithIdleExitFiresAfterIdlePeriod(t *testing.T) {
	ctx, touch, stop := withIdleExit(context.Background(), 20*time.Millisecond)
	defer stop()
	_ = touch
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle-exit context was not cancelled in time")
	}
}

func TestWithIdleExitTouchPostponesExpiry(t *testing.T) {
	ctx, touch, stop := withIdleExit(context.Background(), 40*time.Millisecond)
	defer stop()

	deadline := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 8; i++ {
		select {
		case <-ticker.C:
			touch()
		case <-ctx.Done():
			t.Fatal("context cancelled despite repeated touch calls")
		case <-deadline:
			t.Fatal("test deadline exceeded")
		}
	}
}
