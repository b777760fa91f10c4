package backoff

import (
	"context"
	"time"
)

// Config controls exponential backoff.
type Config struct {
	// Base is the delay after the first failed attempt. Each further attempt
	// doubles it.
	Base time.Duration
	// Cap bounds the delay. Zero means no cap.
	Cap time.Duration
}

// Delay returns the wait before retrying after the given attempt.
// attempt is 1-indexed (1 = first attempt just failed).
//
// Schedule with Base=1s, Cap=30s:
//
//	attempt 1 fails → wait 1s
//	attempt 2 fails → wait 2s
//	attempt 3 fails → wait 4s
//	...
//	attempt 6+ fails → wait 30s (capped)
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.Cap > 0 && d >= c.Cap {
			return c.Cap
		}
	}
	if c.Cap > 0 && d > c.Cap {
		return c.Cap
	}
	return d
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// Returns ctx.Err() on cancellation, nil otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
