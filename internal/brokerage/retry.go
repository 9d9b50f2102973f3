package brokerage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReadRetries bounds RetryRead.
const ReadRetries = 3

// RetryRead runs a read-only call with exponential backoff. Client errors
// (4xx) and malformed responses are returned at once. Never wrap a call that
// moves money or places an order.
func RetryRead(ctx context.Context, read func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := read()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, ReadRetries), ctx))
}

func retryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
