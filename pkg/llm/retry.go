package llm

import (
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
)

// newRetryPolicy bounds transport retries: exponential backoff with jitter
// between 100ms and 500ms, up to maxRetries additional attempts.
func newRetryPolicy(maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0.5
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

// retryableTransportError reports whether a failed stream open is worth
// another attempt. Rate limits, server-side 5xx, and connection-level
// failures are transient; everything else (auth, validation) is permanent.
func retryableTransportError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"deadline exceeded",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isRateLimit reports whether the terminal error was a provider throttle.
func isRateLimit(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
