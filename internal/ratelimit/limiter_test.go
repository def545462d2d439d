package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRespectsTenantCeiling(t *testing.T) {
	const ceiling = 10
	l := New(1000, ceiling)
	ctx := context.Background()

	start := time.Now()
	var inFirstSecond atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < ceiling+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx, "tenant-a", "messages"))
			if time.Since(start) < time.Second {
				inFirstSecond.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(inFirstSecond.Load()), ceiling)
}

func TestTenantsAreIndependent(t *testing.T) {
	l := New(1000, 1)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "tenant-a", "folders"))

	done := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx, "tenant-b", "folders")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("tenant-b was throttled by tenant-a")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(1000, 1)
	require.NoError(t, l.Acquire(context.Background(), "t", "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx, "t", "x"))
}

func TestUpdateFromHeadersHalvesRate(t *testing.T) {
	l := New(1000, 10)

	l.UpdateFromHeaders("t", 100, 50, time.Time{})
	assert.False(t, l.Slowed("t"))

	l.UpdateFromHeaders("t", 100, 9, time.Time{})
	assert.True(t, l.Slowed("t"))
	assert.InDelta(t, 5.0, float64(l.tenant("t").limiter.Limit()), 0.001)

	// repeated low readings do not compound
	l.UpdateFromHeaders("t", 100, 1, time.Time{})
	assert.InDelta(t, 5.0, float64(l.tenant("t").limiter.Limit()), 0.001)

	l.Reset("t")
	assert.False(t, l.Slowed("t"))
	assert.InDelta(t, 10.0, float64(l.tenant("t").limiter.Limit()), 0.001)
}

func TestWaitForReset(t *testing.T) {
	l := New(1000, 1000)

	l.Throttled("t", 80*time.Millisecond)
	start := time.Now()
	require.NoError(t, l.WaitForReset(context.Background(), "t"))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)

	// the recorded window has passed, so acquire is immediate
	start = time.Now()
	require.NoError(t, l.Acquire(context.Background(), "t", "x"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestExhaustedQuotaBlocksAcquireUntilReset(t *testing.T) {
	l := New(1000, 1000)
	l.UpdateFromHeaders("t", 100, 0, time.Now().Add(60*time.Millisecond))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "t", "x"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForResetTimesOut(t *testing.T) {
	l := New(1000, 1000)
	l.Throttled("t", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.WaitForReset(ctx, "t"), context.DeadlineExceeded)
}
