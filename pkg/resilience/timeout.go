package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds a single engine call by a deadline derived from ctx. A
// non-positive timeout runs fn directly. fn runs in its own goroutine so a
// stuck call cannot hold the caller past the deadline.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", name, err)
		}
		return fmt.Errorf("%s exceeded %v: %w", name, timeout, context.DeadlineExceeded)
	}
}
