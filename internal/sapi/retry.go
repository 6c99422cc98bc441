package sapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// RetryPolicy decides which failures are retried and how long to wait.
// Waits grow linearly: InitialDelay, then +Increment per attempt, capped at
// MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Increment    time.Duration
	MaxDelay     time.Duration

	// Retryable reports whether err is worth another attempt.
	// Nil means IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before sleeping ahead of attempt+1. ctx is the one
	// passed to Fetch.
	OnRetry func(ctx context.Context, attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns the provider's retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Increment:    time.Second,
		MaxDelay:     5 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay + time.Duration(attempt-1)*p.Increment
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// IsTransient reports whether err is a connection failure, HTTP 429 or 5xx.
// Request construction errors such as an unsupported scheme are not.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	// *url.Error satisfies net.Error itself, so judge what it wraps
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

type retryFetcher struct {
	next   Fetcher
	policy RetryPolicy
}

// WithRetry wraps next so transient failures are retried under policy.
// When attempts run out the last error is returned unchanged.
func WithRetry(next Fetcher, policy RetryPolicy) Fetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	return &retryFetcher{next: next, policy: policy}
}

func (r *retryFetcher) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		body, err := r.next.Fetch(ctx, endpoint, params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !r.policy.Retryable(err) || attempt == r.policy.MaxAttempts {
			break
		}

		wait := r.policy.Delay(attempt)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(ctx, attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}
