package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampLeaseMsBoundaries(t *testing.T) {
	assert.Equal(t, int64(MinLeaseMs), ClampLeaseMs(1))
	assert.Equal(t, int64(MaxLeaseMs), ClampLeaseMs(99_999_999))
	assert.Equal(t, int64(60_000), ClampLeaseMs(60_000))
}

func TestRefreshIntervalMinimumFloor(t *testing.T) {
	d := RefreshInterval(5_000, func() float64 { return 0 })
	assert.Equal(t, 15_000*time.Millisecond, d)
}

func TestRefreshIntervalSixtyPercent(t *testing.T) {
	d := RefreshInterval(100_000, func() float64 { return 0 })
	assert.Equal(t, 60_000*time.Millisecond, d)
}

func TestRefreshIntervalJitterWithinBound(t *testing.T) {
	base := RefreshInterval(100_000, func() float64 { return 0 })
	withJitter := RefreshInterval(100_000, func() float64 { return 1 })
	assert.Greater(t, withJitter, base)
	assert.LessOrEqual(t, withJitter, base+time.Duration(float64(base)*0.1))
}
