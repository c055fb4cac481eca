package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndResets(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond, K: 2}

	assert.Equal(t, time.Duration(0), b.DelayBefore())

	d := b.DelayAfter(false)
	assert.True(t, d > 150*time.Millisecond && d <= 200*time.Millisecond, "delay=%s", d)

	b.Failure()
	d = b.DelayBefore()
	assert.True(t, d > 350*time.Millisecond && d <= 400*time.Millisecond, "delay=%s", d)

	// capped at Max
	b.Failure()
	d = b.DelayBefore()
	assert.True(t, d <= 400*time.Millisecond, "delay=%s", d)

	d = b.DelayAfter(true)
	assert.True(t, d > 50*time.Millisecond && d <= 100*time.Millisecond, "delay=%s", d)
}

func TestBackoffElapsed(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, K: 2}
	b.Update(false)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}
