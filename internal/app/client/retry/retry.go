// Package retry runs sync requests again after transient failures, waiting
// along a Fibonacci sequence between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"pensieve/internal/domain/sync"
)

const (
	DefaultMaxRetries = 3
	DefaultBase       = time.Second
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// ExhaustedError is returned once every retry failed. It wraps the last
// failure and is itself not retryable.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

func (e *ExhaustedError) Retryable() bool {
	return false
}

// Policy retries an operation up to MaxRetries times after the first attempt.
type Policy struct {
	MaxRetries uint64
	Base       time.Duration
	// Notify, when set, is called before each wait with the attempt that
	// failed, the upcoming delay and the failure.
	Notify func(attempt int, delay time.Duration, err error)
	// IsRetryable classifies failures. Defaults to sync.IsRetryable.
	IsRetryable func(error) bool
}

func New(maxRetries int, base time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = DefaultBase
	}
	return Policy{MaxRetries: uint64(maxRetries), Base: base}
}

// Do runs fn until it succeeds, fails permanently or the retries run out.
// Context cancellation stops the wait and returns the context error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	isRetryable := p.IsRetryable
	if isRetryable == nil {
		isRetryable = sync.IsRetryable
	}

	var (
		attempts int
		last     error
	)
	limited := goretry.WithMaxRetries(p.MaxRetries, Fibonacci(p.Base))
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := limited.Next()
		if !stop && p.Notify != nil {
			p.Notify(attempts, d, last)
		}
		return d, stop
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if isRetryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if isRetryable(err) && uint64(attempts) > p.MaxRetries {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}

// Fibonacci yields base, base, 2*base, 3*base, 5*base and so on.
func Fibonacci(base time.Duration) goretry.Backoff {
	var (
		mu        gosync.Mutex
		prev, cur = time.Duration(0), base
	)
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()

		d := cur
		if next := prev + cur; next >= cur {
			prev, cur = cur, next
		}
		return d, false
	})
}

// Delay returns the n-th Fibonacci delay, counting from 1, capped at ceiling
// when ceiling is positive.
func Delay(base time.Duration, n int, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	prev, cur := time.Duration(0), base
	for i := 1; i < n; i++ {
		prev, cur = cur, prev+cur
		if ceiling > 0 && cur >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && cur > ceiling {
		return ceiling
	}
	return cur
}
