// Package retry provides a reusable retry policy with exponential backoff and jitter,
// shared by the encoding and reasoning call sites.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultInitialBackoffWhenZero = 500 * time.Millisecond
	backoffMultiplier             = 2
)

// terminalError marks an error that must not be retried.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so Do stops immediately instead of retrying.
// Use for non-transient failures (validation, malformed payloads).
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError

	return errors.As(err, &t)
}

// Policy retries an operation on failure with exponential backoff and jitter.
// Use for transient upstream errors.
type Policy struct {
	MaxRetries     int           // Number of retries after the first attempt (total attempts = 1 + MaxRetries).
	InitialBackoff time.Duration // Backoff after first failure; doubles each attempt, capped by MaxBackoff.
	MaxBackoff     time.Duration // Upper bound on backoff between attempts.

	// OnRetry, when non-nil, is called before each backoff sleep (e.g. to count retries).
	OnRetry func(ctx context.Context, attempt int, err error)
}

// NewPolicy returns a Policy with sanitized bounds.
func NewPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}

	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoffWhenZero
	}

	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}
}

// Do runs fn; on error, retries up to MaxRetries times with exponential backoff
// and jitter. Terminal errors and context cancellation stop retrying immediately.
// op names the operation in retry logs.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoffWhenZero
	}

	maxBackoff := p.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = backoff
	}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if IsTerminal(err) || ctx.Err() != nil {
			break
		}

		if attempt == p.MaxRetries {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(ctx, attempt+1, err)
		}

		sleep := jitter(backoff)
		slog.WarnContext(ctx, "operation failed, retrying after backoff",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", p.MaxRetries+1,
			"backoff", sleep,
			"error", err,
		)

		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}

		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}

	return lastErr
}

// jitter returns a duration between 50% and 100% of duration to avoid thundering herd.
func jitter(duration time.Duration) time.Duration {
	const jitterHalf = 2

	half := duration / jitterHalf

	if half <= 0 {
		return duration
	}

	var buf [8]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return half
	}

	randVal := binary.BigEndian.Uint64(buf[:])
	halfNanos := half.Nanoseconds()

	if halfNanos <= 0 {
		return half
	}

	// randVal % halfNanos is in [0, halfNanos); duration nanos fit in int64
	//nolint:gosec // G115: modulo result is in [0, halfNanos), safe to convert to int64
	jitterNanos := int64(randVal % uint64(halfNanos))

	return half + time.Duration(jitterNanos)
}

// sleepCtx blocks for the given duration or until ctx is cancelled; returns ctx.Err() if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
