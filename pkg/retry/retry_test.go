// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Default(t *testing.T) {
	policy := NewExponentialBackoff()

	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, 1*time.Second, policy.minWaitTime)
	assert.Equal(t, 30*time.Second, policy.maxWaitTime)
	assert.Equal(t, 2.0, policy.backoffFactor)
	assert.True(t, policy.jitter)
}

func TestExponentialBackoff_WithMethods(t *testing.T) {
	policy := NewExponentialBackoff().
		WithMaxRetries(5).
		WithMinWaitTime(2 * time.Second).
		WithMaxWaitTime(60 * time.Second).
		WithBackoffFactor(1.5).
		WithJitter(false)

	assert.Equal(t, 5, policy.MaxRetries())
	assert.Equal(t, 2*time.Second, policy.minWaitTime)
	assert.Equal(t, 60*time.Second, policy.maxWaitTime)
	assert.Equal(t, 1.5, policy.backoffFactor)
	assert.False(t, policy.jitter)
}

func TestExponentialBackoff_ShouldRetry(t *testing.T) {
	policy := NewExponentialBackoff().WithMaxRetries(3)
	ctx := context.Background()

	tests := []struct {
		name        string
		err         error
		attempt     int
		shouldRetry bool
	}{
		{"subprocess error should retry", errors.New("exit status 1"), 1, true},
		{"no error should not retry", nil, 1, false},
		{"exhausted attempts should not retry", errors.New("timeout"), 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shouldRetry, policy.ShouldRetry(ctx, tt.err, tt.attempt))
		})
	}
}

func TestExponentialBackoff_ShouldRetry_CancelledContext(t *testing.T) {
	policy := NewExponentialBackoff()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, policy.ShouldRetry(ctx, errors.New("boom"), 0))
}

func TestExponentialBackoff_WaitTime(t *testing.T) {
	policy := NewExponentialBackoff().WithJitter(false).WithMinWaitTime(1 * time.Second).WithBackoffFactor(2.0).WithMaxWaitTime(10 * time.Second)

	assert.Equal(t, 1*time.Second, policy.WaitTime(0))
	assert.Equal(t, 2*time.Second, policy.WaitTime(2))
	assert.Equal(t, 10*time.Second, policy.WaitTime(10))
}

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(2, 500*time.Millisecond)
	ctx := context.Background()

	assert.Equal(t, 2, policy.MaxRetries())
	assert.Equal(t, 500*time.Millisecond, policy.WaitTime(0))
	assert.True(t, policy.ShouldRetry(ctx, errors.New("x"), 0))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("x"), 2))
	assert.False(t, policy.ShouldRetry(ctx, nil, 0))
}

func TestNoRetry(t *testing.T) {
	policy := NewNoRetry()
	ctx := context.Background()

	assert.Equal(t, 0, policy.MaxRetries())
	assert.Equal(t, time.Duration(0), policy.WaitTime(0))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("x"), 0))
}

func TestDo_SucceedsEventually(t *testing.T) {
	policy := NewFixedDelay(5, time.Millisecond)
	attempts := 0

	err := Do(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	policy := NewFixedDelay(2, time.Millisecond)
	attempts := 0

	err := Do(context.Background(), policy, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	policy := NewExponentialBackoff().WithMinWaitTime(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func() error {
			return errors.New("always fails")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Do did not respect context cancellation")
	}
}
