package main

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	maxBackoff   = 10 * time.Second
	jitterWindow = 250 * time.Millisecond
)

// backoff doubles the wait after each failed batch up to maxBackoff.
type backoff struct {
	base    time.Duration
	current time.Duration
	jitter  func() time.Duration
}

func newBackoff(base time.Duration) *backoff {
	if base <= 0 {
		base = fallbackPoll
	}
	return &backoff{
		base:    base,
		current: base,
		jitter:  func() time.Duration { return rand.N(jitterWindow) },
	}
}

func (b *backoff) fail() time.Duration {
	b.current = min(b.current*2, maxBackoff)
	return b.current + b.jitter()
}

func (b *backoff) idle() time.Duration {
	return b.base + b.jitter()
}

func (b *backoff) reset() {
	b.current = b.base
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
