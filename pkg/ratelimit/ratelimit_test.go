package ratelimit

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobalRateHonoured(t *testing.T) {
	l := New(10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stamps []time.Time
	for i := 0; i < 25; i++ {
		require.NoError(t, l.Acquire(ctx, "", 1))
		stamps = append(stamps, time.Now())
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	// No 1-second sliding window may contain more than the rate, plus
	// one acquisition of timer jitter at the window edges.
	for i := range stamps {
		j := i
		for j < len(stamps) && stamps[j].Sub(stamps[i]) < time.Second {
			j++
		}
		require.LessOrEqual(t, j-i, 11, "window starting at %d holds %d acquisitions", i, j-i)
	}
}

func TestRetryAfterSuspendsBucket(t *testing.T) {
	l := New(100)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "a@x.test", 1))

	const hold = 300 * time.Millisecond
	l.SetRetryAfter(hold)
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "a@x.test", 1))
	require.GreaterOrEqual(t, time.Since(start), hold, "bucket suspends for at least Retry-After")
}

func TestRetryAfterNeverShrinks(t *testing.T) {
	l := New(100)
	l.SetRetryAfter(500 * time.Millisecond)
	l.SetRetryAfter(10 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "", 1))
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestAcquireRespectsCancellation(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx, "", 1))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "", 5) }()
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestBodySlotsBounded(t *testing.T) {
	l := New(100)
	ctx := context.Background()

	var releases []func()
	for i := 0; i < DefaultLargeBodySlots; i++ {
		rel, err := l.AcquireBody(ctx)
		require.NoError(t, err)
		releases = append(releases, rel)
	}

	// The fourth slot blocks until one is released.
	blocked, blockedCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer blockedCancel()
	_, err := l.AcquireBody(blocked)
	require.Error(t, err)

	releases[0]()
	rel, err := l.AcquireBody(ctx)
	require.NoError(t, err)
	rel()
	rel() // double release is safe
	for _, r := range releases[1:] {
		r()
	}
}
