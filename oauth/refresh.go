package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Refresher is what StartRefresher keeps fresh; TokenSource implements it.
type Refresher interface {
	Expiry() (time.Time, bool)
	Refresh(ctx context.Context) error
}

// StartRefresher launches a goroutine that wakes roughly every interval and refreshes the
// token once its remaining lifetime drops to window or less.
func StartRefresher(ctx context.Context, r Refresher, provider string, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter of ±20% of interval.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}

			if exp, ok := r.Expiry(); ok && time.Until(exp) <= window {
				ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
				err := r.Refresh(ctx2)
				cancel()
				if err != nil {
					slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
