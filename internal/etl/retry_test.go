package etl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zorgdata/omopetl/internal/platform/logger"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Retryable:   IsTransient,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), logger.NewNop(), fastPolicy(5), "op", func() error {
		attempts++
		return errors.New("syntax error at or near SELECT")
	})
	if err == nil {
		t.Fatalf("want the permanent error back")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, permanent errors must not be retried", attempts)
	}
}

func TestWithRetryRecoversFromTransientFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), logger.NewNop(), fastPolicy(5), "op", func() error {
		attempts++
		if attempts < 3 {
			return &TransientError{Err: errors.New("connection reset by peer")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), logger.NewNop(), fastPolicy(3), "op", func() error {
		attempts++
		return &TransientError{Err: errors.New("deadline exceeded")}
	})
	if err == nil {
		t.Fatalf("exhausted retries must surface the last error")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, logger.NewNop(), fastPolicy(5), "op", func() error {
		return &TransientError{Err: errors.New("timeout")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWithRetryRespectsElapsedBudget(t *testing.T) {
	r := fastPolicy(1000)
	r.MaxElapsed = time.Nanosecond
	attempts := 0
	err := withRetry(context.Background(), logger.NewNop(), r, "op", func() error {
		attempts++
		time.Sleep(time.Millisecond)
		return &TransientError{Err: errors.New("timeout")}
	})
	if err == nil {
		t.Fatalf("want the error once the budget is spent")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestComputeBackoffStaysInsideJitterBounds(t *testing.T) {
	r := RetryPolicy{MinBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.2}
	for attempts := 1; attempts <= 8; attempts++ {
		base := time.Duration(float64(time.Second) * float64(int(1)<<(attempts-1)))
		if base > r.MaxBackoff {
			base = r.MaxBackoff
		}
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		for i := 0; i < 25; i++ {
			d := computeBackoff(r, attempts)
			if d < low || d > high {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempts, d, low, high)
			}
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		&TransientError{Err: errors.New("anything")},
		fmt.Errorf("query: %w", &TransientError{Err: errors.New("wrapped")}),
		errors.New("dial tcp: connection refused"),
		errors.New("read: connection reset by peer"),
		errors.New("context deadline exceeded"),
		errors.New("googleapi: Error 503: backendError"),
		errors.New("rateLimitExceeded: too many requests"),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Fatalf("%v should be transient", err)
		}
	}
	permanent := []error{
		nil,
		errors.New("syntax error"),
		errors.New("permission denied"),
		&ValidationError{Table: "person", Msg: "duplicate natural keys"},
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Fatalf("%v should not be transient", err)
		}
	}
}
