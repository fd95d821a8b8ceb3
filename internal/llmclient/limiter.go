package llmclient

import (
	"context"

	"golang.org/x/time/rate"
)

// newRequestLimiter builds a per-client request limiter from a
// requests-per-minute budget. A non-positive budget disables limiting.
func newRequestLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), 1)
}

// waitForLimiter blocks until the limiter grants a slot, or the context ends.
// A nil limiter grants immediately.
func waitForLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
