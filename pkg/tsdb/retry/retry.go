// Package retry wraps cenkalti/backoff/v4 into the retry-runner contract
// the segment lifecycle manager needs: retry recoverable faults with
// bounded backoff, surface the last fault once retries are exhausted, and
// never retry a fault marked permanent (an invariant violation).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/invesdwin/go-timeseries-segmented/internal/common"
)

// Permanent marks err as non-retryable: Run returns it immediately without
// consuming further backoff attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewDefaultBackOff returns an exponential backoff policy capped at
// maxElapsed total retry time, suitable for initSegmentRetry.
func NewDefaultBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// Run executes fn, retrying on error according to policy until fn
// succeeds, ctx is done, a common.RetryLaterError's wrapped cause is
// itself permanent, or the policy gives up. A common.ErrInvariantViolation
// (or anything wrapping it) always stops retrying immediately.
func Run(ctx context.Context, policy backoff.BackOff, fn func() error) error {
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrInvariantViolation) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}
