package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type transientErr struct{ retryable bool }

func (e *transientErr) Error() string   { return "transient" }
func (e *transientErr) Retryable() bool { return e.retryable }

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &transientErr{retryable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	wantErr := &transientErr{retryable: false}
	err := withRetry(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetryStopsOnUntypedError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return errors.New("plain failure")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("untyped errors must not retry: err=%v attempts=%d", err, attempts)
	}
}

func TestWithRetrySeesWrappedRetryableErrors(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("calling collaborator: %w", &transientErr{retryable: true})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (wrapped retryable must be unwrapped)", attempts)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return &transientErr{retryable: true}
	})
	if err == nil {
		t.Fatal("expected final error after exhausting attempts")
	}
	if attempts != retryMaxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, retryMaxAttempts)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := withRetry(ctx, func() error {
		return &transientErr{retryable: true}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancelled retry should return promptly")
	}
}
