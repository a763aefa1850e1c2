package loop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/floegence/thinkloop/internal/provider"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second

	// relaxedMaxOutputTokens caps output length from the second attempt on,
	// biasing retries toward a terminating, lower-variance response.
	relaxedMaxOutputTokens = 2048

	temperatureRelaxFactor = 0.5
)

// RetryPolicy wraps one controller run with bounded retries. Benign terminal
// states (Completed, Exhausted, Stalled) are not errors and never retried;
// only a failed attempt is.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = defaultBackoffCap
	}
	return p
}

// Backoff returns the delay before attempt n (1-based): min(base*2^(n-1), cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return p.BackoffBase
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	return d
}

// Relax derives attempt n's sampling parameters from the base parameters.
// Attempt 1 runs unchanged; later attempts halve the temperature per attempt
// and cap the output length.
func Relax(attempt int, base provider.SamplingParams) provider.SamplingParams {
	if attempt <= 1 {
		return base
	}
	out := base
	if base.Temperature != nil {
		t := *base.Temperature
		for i := 1; i < attempt; i++ {
			t *= temperatureRelaxFactor
		}
		if t < 0 {
			t = 0
		}
		out.Temperature = &t
	}
	if out.MaxOutputTokens <= 0 || out.MaxOutputTokens > relaxedMaxOutputTokens {
		out.MaxOutputTokens = relaxedMaxOutputTokens
	}
	return out
}

// AttemptFn runs one full attempt with the given (possibly relaxed) sampling
// parameters over a fresh copy of the caller's history.
type AttemptFn func(ctx context.Context, sampling provider.SamplingParams) (Outcome, error)

// Run executes fn up to MaxAttempts times, backing off between attempts.
// Cancellation is never retried. Exhausting all attempts surfaces the last
// error.
func (p RetryPolicy) Run(ctx context.Context, log *slog.Logger, base provider.SamplingParams, fn AttemptFn) (Outcome, error) {
	p = p.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out, err := fn(ctx, Relax(attempt, base))
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return out, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Backoff(attempt)
		log.Warn("loop.retry", "attempt", attempt, "max_attempts", p.MaxAttempts, "backoff", delay.String(), "error", err.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Outcome{State: StateFailed}, ctx.Err()
		}
	}
	return Outcome{State: StateFailed}, lastErr
}
