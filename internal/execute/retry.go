package execute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ml-rust/venus/internal/venuserr"
)

// BackoffStrategy defines how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy governs whether and how a cell's execution is retried.
//
// A cell's own logic failing (ResultCellError, a panic) is never transient —
// retrying it reruns the same deterministic computation and gets the same
// answer. Only failures outside the cell's control are worth retrying: a
// worker process killed by the host OS, or an IO error loading its dylib.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffStrategy BackoffStrategy
	OnRetry         func(attempt int, err error)
}

// NoRetry never retries a failed cell.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// DefaultRetryPolicy retries transient failures (process kills, IO errors)
// up to twice with exponential backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffStrategy: BackoffExponential,
	}
}

// ShouldRetry reports whether err represents a transient failure worth
// retrying, as opposed to a deterministic cell failure.
func (rp *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var venusErr *venuserr.Error
	if errors.As(err, &venusErr) {
		switch venusErr.Kind {
		case venuserr.KindCellError, venuserr.KindPanic, venuserr.KindCancelled,
			venuserr.KindDeserialize, venuserr.KindSerialize, venuserr.KindSchemaChanged:
			return false
		default:
			return true
		}
	}

	return true
}

// GetDelay returns the backoff delay before the given attempt number.
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var delay time.Duration
	switch rp.BackoffStrategy {
	case BackoffConstant:
		delay = rp.InitialDelay
	case BackoffLinear:
		delay = rp.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		delay = time.Duration(float64(rp.InitialDelay) * math.Pow(2, float64(attempt-1)))
	default:
		delay = rp.InitialDelay
	}

	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	return delay
}

// Execute runs fn, retrying per the policy until it succeeds, exhausts its
// attempts, or ctx is cancelled.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	maxAttempts := rp.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= maxAttempts || !rp.ShouldRetry(lastErr) {
			break
		}
		if rp.OnRetry != nil {
			rp.OnRetry(attempt, lastErr)
		}

		delay := rp.GetDelay(attempt)
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("cell execution failed after retries: %w", lastErr)
}
