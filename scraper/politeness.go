package scraper

import (
	"context"
	"math/rand"
	"time"
)

// sleepCtx waits for d, returning early with the context error if the context
// ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pauser injects a uniform random delay drawn from [min, max] before each
// outbound detail request.
type pauser struct {
	min time.Duration
	max time.Duration
}

func (p pauser) pause(ctx context.Context) error {
	d := p.min
	if span := p.max - p.min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	return sleepCtx(ctx, d)
}
