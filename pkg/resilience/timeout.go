package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/ara-campus/ara/pkg/errors"
)

// TimeoutError reports an operation that did not finish in time. It matches
// apperrors.ErrTimeout only when the operation's own limit expired; when
// the caller gave up first it unwraps to the caller's context error alone.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	// CallerDone is set when the parent context ended before Limit.
	CallerDone bool
	Cause      error
}

func (e *TimeoutError) Error() string {
	if e.CallerDone {
		return fmt.Sprintf("%s: caller gave up: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v (limit: %v)", e.Op, e.Cause, e.Limit)
}

func (e *TimeoutError) Unwrap() []error {
	if e.CallerDone {
		return []error{e.Cause}
	}
	return []error{e.Cause, apperrors.ErrTimeout}
}

// WithTimeout runs fn with a context cancelled after timeout and returns
// without waiting for fn once that context ends. A timeout of zero or less
// runs fn directly under ctx.
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
			return &TimeoutError{Op: name, Limit: timeout, CallerDone: true, Cause: err}
		}
		return &TimeoutError{Op: name, Limit: timeout, Cause: context.DeadlineExceeded}
	}
}
