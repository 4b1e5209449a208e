package polling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestTriggerTickDoesNotOverlapAScheduledTick proves the invariant the two
// entry points into runTick share: a manual TriggerTick that lands while
// Run's own scheduled tick is mid-flight waits for it, rather than running
// concurrently.
func TestTriggerTickDoesNotOverlapAScheduledTick(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})

	firstTick := make(chan struct{}, 1)
	l := newLoop("test", time.Hour, 0, time.Second, func(ctx context.Context) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)

		select {
		case firstTick <- struct{}{}:
			close(started)
			<-release
		default:
		}
		return nil
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	<-started

	done := make(chan struct{})
	go func() {
		l.TriggerTick(context.Background())
		close(done)
	}()

	// TriggerTick must still be blocked behind the in-flight scheduled tick.
	select {
	case <-done:
		t.Fatal("TriggerTick returned before the scheduled tick released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done

	if overlapped.Load() {
		t.Fatal("scheduled tick and TriggerTick ran concurrently")
	}
}
