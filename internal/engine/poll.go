package engine

import (
	"context"
	"errors"
	"time"
)

// errPollTimeout reports that the polled condition did not hold before the
// deadline.
var errPollTimeout = errors.New("poll timeout")

// pollUntil invokes fn every interval until fn reports done, the timeout
// elapses, or ctx is cancelled. fn runs once immediately. A fn error aborts
// the poll; fn is responsible for its own transient-error tolerance.
func pollUntil(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errPollTimeout
		case <-ticker.C:
		}
	}
}
