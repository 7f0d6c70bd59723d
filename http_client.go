package main

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const externalHTTPTimeout = 30 * time.Second

var externalHTTPClient = &http.Client{
	Timeout: externalHTTPTimeout,
}

// retryable is implemented by collaborator errors that carry a typed kind.
// The retry policy keys off this instead of sniffing message text.
type retryable interface {
	Retryable() bool
}

const (
	retryMaxAttempts = 4
	retryBaseDelay   = 500 * time.Millisecond
)

// withRetry is the single centralized retry policy for collaborator calls:
// bounded attempts with exponential backoff, retrying only errors that
// declare themselves retryable (rate limits, transient server errors).
func withRetry(ctx context.Context, op func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		var r retryable
		if !errors.As(err, &r) || !r.Retryable() || attempt == retryMaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
