package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds fn by running it in its own goroutine and abandoning
// it once the limit passes. It exists for calls into code that cannot be
// trusted to honor the context it is handed; an abandoned fn keeps running,
// so it must be safe to leave behind. A non-positive limit runs fn inline.
func WithTimeout(ctx context.Context, limit time.Duration, name string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(bounded)
	}()
	select {
	case err := <-done:
		return err
	case <-bounded.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: abandoned, parent context done: %w", name, err)
		}
		return fmt.Errorf("%s: gave up after %v: %w", name, limit, context.DeadlineExceeded)
	}
}
