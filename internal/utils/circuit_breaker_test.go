package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test-upstream",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, cb.Call(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Call(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "probe", FailureThreshold: 1, ResetTimeout: time.Second})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestGetCircuitBreakerRegistry(t *testing.T) {
	a := GetCircuitBreaker(BreakerConfig{Name: "registry-test"})
	b := GetCircuitBreaker(BreakerConfig{Name: "registry-test", FailureThreshold: 99})
	assert.Same(t, a, b)
	assert.Contains(t, CircuitBreakerStats(), "registry-test")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "INFO", ParseLevel("").String())
}
