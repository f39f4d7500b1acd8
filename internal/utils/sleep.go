package utils

import (
	"context"
	"errors"
	"time"
)

// ErrShutdown is returned by blocking waits interrupted by shutdown.
// It is a control-flow outcome, not a failure.
var ErrShutdown = errors.New("shutdown signal has been received during operation")

// Sleep waits for d or until ctx is done, whichever comes first.
// A non-positive d still observes a pending shutdown.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ErrShutdown
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ErrShutdown
	case <-timer.C:
		return nil
	}
}
