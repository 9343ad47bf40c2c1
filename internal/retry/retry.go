// Package retry runs a node attempt under a bounded retry loop with
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// Func is one attempt of a node execution.
type Func func(ctx context.Context) (map[string]any, error)

// Policy describes how many times to retry and how long to wait in between.
// The wait before retry k (k >= 1) is BaseDelay * 2^(k-1), capped at MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry, if set, is called after a failed attempt and before the wait
	// preceding the next one. retry is 1-based.
	OnRetry func(retry int, delay time.Duration, err error)
}

// DefaultPolicy returns 3 retries starting at 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Outcome is the result of Run.
type Outcome struct {
	Outputs  map[string]any
	Err      error
	Retries  int
	Duration time.Duration
}

// Failed reports whether every attempt failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Run calls fn up to MaxRetries+1 times, stopping at the first success. Every
// error is retried; a panic inside fn counts as a failed attempt. A cancelled
// context ends the loop early with the context's error.
func (p Policy) Run(ctx context.Context, fn Func) Outcome {
	start := time.Now()
	b := p.backOff()

	var (
		retries int
		lastErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Err: cancelled(err, lastErr), Retries: retries, Duration: time.Since(start)}
		}

		out, err := attempt(ctx, fn)
		if err == nil {
			return Outcome{Outputs: out, Retries: retries, Duration: time.Since(start)}
		}
		lastErr = err

		if retries >= p.MaxRetries {
			return Outcome{Err: err, Retries: retries, Duration: time.Since(start)}
		}

		retries++
		delay := b.NextBackOff()
		if p.OnRetry != nil {
			p.OnRetry(retries, delay, err)
		}

		if err := wait(ctx, delay); err != nil {
			// the retry was announced but never attempted
			return Outcome{Err: cancelled(err, lastErr), Retries: retries - 1, Duration: time.Since(start)}
		}
	}
}

// Delays lists the waits Run would insert before each retry.
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	delays := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxDelay
	}
	b.Reset()
	return b
}

func attempt(ctx context.Context, fn Func) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func wait(ctx context.Context, d time.Duration) error {
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

func cancelled(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}
