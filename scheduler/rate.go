package scheduler

import (
	"context"

	"golang.org/x/time/rate"
)

// Lets a typical piece through in a few waits.
const defaultDownloadRateLimiterBurst = 1 << 16

// Sets rate limiter burst if it's set to zero which is used to request the default by our API.
func setRateLimiterBurstIfZero(l *rate.Limiter, def int) {
	if l.Burst() == 0 && l.Limit() != rate.Inf {
		l.SetBurst(def)
	}
}

// Waits until the limiter admits n bytes, in burst sized steps.
func waitBytes(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		take := min(n, l.Burst())
		err := l.WaitN(ctx, take)
		if err != nil {
			return err
		}
		n -= take
	}
	return nil
}
