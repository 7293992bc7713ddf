package etl

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zorgdata/omopetl/internal/platform/logger"
)

type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

func defaultRetryPolicy(maxAttempts int, maxElapsed time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		MaxElapsed:  maxElapsed,
		Retryable:   IsTransient,
	}
}

// withRetry runs op with exponential backoff. Non-retryable errors
// escalate immediately; retryable ones are re-attempted until the
// attempt count or the elapsed budget runs out.
func withRetry(ctx context.Context, log *logger.Logger, r RetryPolicy, name string, op func() error) error {
	start := time.Now()
	attempts := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		attempts++
		if !shouldRetry(r, attempts, err) {
			return err
		}
		if r.MaxElapsed > 0 && time.Since(start) >= r.MaxElapsed {
			return err
		}
		delay := computeBackoff(r, attempts)
		log.Warn("retrying after transient failure",
			"op", name, "attempt", attempts, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
