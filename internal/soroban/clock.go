package soroban

import (
	"context"
	"time"

	"github.com/mbd888/stellarcredit/internal/retry"
)

// Clock supplies time and waiting to the confirmation loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock. It returns ctx.Err() if ctx ends first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	return retry.Sleep(ctx, d)
}
