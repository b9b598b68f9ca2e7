package common

import (
	"context"
	"time"
)

// maxSleepChunk bounds a single timer so that wall-clock jumps (host suspend)
// are noticed within a minute.
const maxSleepChunk = time.Minute

// wallNow is time.Now without the monotonic reading, which stops during a
// host suspend on Linux.
var wallNow = func() time.Time {
	return time.Now().Round(0)
}

// SleepUntil blocks until the wall clock passes deadline or ctx is done. The
// wait is split into chunks of at most a minute and the remaining time is
// recomputed from the wall clock after each one, so a machine that was
// suspended does not keep sleeping for the full original duration.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	deadline = deadline.Round(0)
	for {
		remaining := deadline.Sub(wallNow())
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining > maxSleepChunk {
			remaining = maxSleepChunk
		}
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Sleep is SleepUntil(ctx, time.Now().Add(d)).
func Sleep(ctx context.Context, d time.Duration) error {
	return SleepUntil(ctx, time.Now().Add(d))
}
