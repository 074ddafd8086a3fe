package marketsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	syncErrors "github.com/quaywork/marketsync/errors"
	"github.com/quaywork/marketsync/logging"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithRetry_SucceedsImmediately(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithRetry_RetriesRetryableErrors(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 2 {
			return syncErrors.NewDispatchError("ebay", fmt.Errorf("temporary error"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestWithRetry_DoesNotRetryNonRetryable(t *testing.T) {
	attempts := 0
	permanent := syncErrors.NewValidationError(syncErrors.OpDispatch, fmt.Errorf("permanent error"))
	err := withRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return syncErrors.NewDispatchError("ebay", fmt.Errorf("still down"))
	})
	if err == nil {
		t.Fatal("expected the final error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetry_NilConfigMeansSingleAttempt(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), nil, func() error {
		attempts++
		return syncErrors.NewDispatchError("ebay", fmt.Errorf("down"))
	})
	if err == nil {
		t.Fatal("expected the error back")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithRetry_ContextCancellationStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := withRetry(ctx, &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		cancel()
		return syncErrors.NewDispatchError("ebay", fmt.Errorf("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no further attempts after cancellation, got %d", attempts)
	}
}

func TestExponentialBackoff_NextDelay(t *testing.T) {
	eb := &exponentialBackoff{
		initialDelay: 100 * time.Millisecond,
		maxDelay:     time.Second,
		multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := eb.nextDelay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

// flakyGateway fails a fixed number of times before succeeding.
type flakyGateway struct {
	failures int
	calls    int
	err      error
}

func (g *flakyGateway) Apply(ctx context.Context, entityID string, payload Payload, category DataCategory) (Payload, error) {
	g.calls++
	if g.calls <= g.failures {
		return nil, g.err
	}
	return payload, nil
}

func TestDispatcher_RetriesTransientGatewayFailures(t *testing.T) {
	gw := &flakyGateway{failures: 2, err: fmt.Errorf("connection reset")}
	d := newTargetDispatcher(map[string]Gateway{"ebay": gw}, fastRetryConfig(), logging.Silence())

	result := d.Dispatch(context.Background(), "sku-1", "ebay", Payload{"quantity": 1}, CategoryInventory)
	if !result.Success {
		t.Fatalf("expected success after retries, got %v", result.Error)
	}
	if gw.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gw.calls)
	}
}

func TestDispatcher_DoesNotRetryPermanentGatewayFailures(t *testing.T) {
	gw := &flakyGateway{
		failures: 10,
		err:      syncErrors.NewValidationError(syncErrors.OpDispatch, fmt.Errorf("listing policy violation")),
	}
	d := newTargetDispatcher(map[string]Gateway{"ebay": gw}, fastRetryConfig(), logging.Silence())

	result := d.Dispatch(context.Background(), "sku-1", "ebay", Payload{"quantity": 1}, CategoryInventory)
	if result.Success {
		t.Fatal("expected failure")
	}
	if gw.calls != 1 {
		t.Fatalf("a non-retryable gateway error must not be retried, got %d attempts", gw.calls)
	}
}
