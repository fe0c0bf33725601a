// Package retry runs an operation again with exponential backoff while its
// failures look transient.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tj-corona/vortexfinder2/errors"
)

// Policy bounds a retry loop
type Policy struct {
	Attempts   int           // Total tries; values below 1 mean a single try
	Initial    time.Duration // Delay before the second try
	Max        time.Duration // Upper bound for any delay
	Multiplier float64       // Growth factor between delays
	Jitter     bool          // Add up to 25% random delay
}

// Startup suits dependencies dialled once while a process starts
func Startup() Policy {
	return Policy{
		Attempts:   5,
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

func (p Policy) normalize() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// next returns the delay following d
func (p Policy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n <= 0 || n > p.Max {
		return p.Max
	}
	return n
}

// Do calls fn until it succeeds, the policy is exhausted, ctx ends, or fn
// returns an error classified as invalid or fatal.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalize()
	delay := p.Initial

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.IsInvalid(lastErr) || errors.IsFatal(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts {
			break
		}

		wait := delay
		if p.Jitter && delay >= 4 {
			wait += time.Duration(rand.Int63n(int64(delay / 4)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}
		delay = p.next(delay)
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.Attempts, lastErr)
}
