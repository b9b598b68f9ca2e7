package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/metrics"
)

// ErrAuthExpired is wrapped by vendor clients when a response shows the
// session is no longer valid. The policy logs in again before the next attempt.
var ErrAuthExpired = errors.New("authentication expired")

// TerminalFetchError is returned once an operation has exhausted its attempts.
type TerminalFetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TerminalFetchError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TerminalFetchError) Unwrap() error {
	return e.Err
}

// IsTerminal returns true if err is, or wraps, a TerminalFetchError.
func IsTerminal(err error) bool {
	var t *TerminalFetchError
	return errors.As(err, &t)
}

// Permanent marks err as not worth retrying. Do returns it unwrapped on the
// first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Policy retries an operation with exponential backoff. The n-th retry waits
// InitialDelay * Multiplier^(n-1).
type Policy struct {
	// MaxAttempts is the total number of calls, including the first. Zero or
	// less retries forever.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64

	// Relogin, if set, is called after an attempt fails with ErrAuthExpired.
	Relogin func(ctx context.Context) error

	timer backoff.Timer
}

// New returns a bounded policy.
func New(maxAttempts int, initialDelay time.Duration, multiplier float64) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Multiplier:   multiplier,
	}
}

// Fixed returns a policy that waits delay between attempts. maxAttempts <= 0
// retries forever.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return New(maxAttempts, delay, 1)
}

// WithRelogin returns a copy of p that calls fn when an attempt fails with
// ErrAuthExpired.
func (p Policy) WithRelogin(fn func(ctx context.Context) error) Policy {
	p.Relogin = fn
	return p
}

// Delay returns how long the policy sleeps after the given failed attempt
// (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.multiplier(), float64(attempt-1)))
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 1
	}
	return p.Multiplier
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Run is Do for operations without a result.
func (p Policy) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do calls op until it succeeds, returns a Permanent error, the context is
// done, or the policy runs out of attempts. In the last case the final error
// is returned wrapped in a *TerminalFetchError.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		attempt   int
		permanent bool
	)
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return v, err
		}
		if ctx.Err() != nil {
			// the operation was cut off by shutdown, not by the vendor
			permanent = true
			return v, backoff.Permanent(err)
		}

		metrics.RetryAttemptsTotal.WithLabelValues(name).Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"attempt failed",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", p.MaxAttempts),
			slog.Any("error", err),
		)

		if errors.Is(err, ErrAuthExpired) && p.Relogin != nil {
			log.Ctx(ctx).InfoContext(ctx, "session expired, logging in again", slog.String("operation", name))
			if lerr := p.Relogin(ctx); lerr != nil {
				log.Ctx(ctx).WarnContext(ctx, "relogin failed", slog.String("operation", name), slog.Any("error", lerr))
			}
		}
		return v, err
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, p.backOff(ctx), nil, p.timer)
	if err == nil {
		return v, nil
	}
	if permanent {
		return v, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return v, cerr
	}

	metrics.TerminalFailuresTotal.WithLabelValues(name).Inc()
	log.Ctx(ctx).ErrorContext(
		ctx,
		"operation exhausted retries",
		slog.String("operation", name),
		slog.Int("attempts", attempt),
		slog.Any("error", err),
	)
	return v, &TerminalFetchError{Op: name, Attempts: attempt, Err: err}
}
