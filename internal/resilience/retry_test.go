package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/errs"
)

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	calls := 0
	err := Call(context.Background(), reg, "dep-1", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Closed, reg.Status("dep-1").State)
}

func TestCallRetriesRetryableTransportThenSucceeds(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	calls := 0
	err := Call(context.Background(), reg, "dep-1", func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.New("test", errs.KindRetryableTransport, errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallDoesNotRetryNonRetryableKind(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	calls := 0
	err := Call(context.Background(), reg, "dep-1", func(context.Context) error {
		calls++
		return errs.New("test", errs.KindValidation, errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRecordsOneBreakerFailureAfterExhaustingRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	reg := NewRegistry(cfg)

	err := Call(context.Background(), reg, "dep-1", func(context.Context) error {
		return errs.New("test", errs.KindRetryableTransport, errors.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, Open, reg.Status("dep-1").State, "breaker should trip from one exhausted retry sequence")
	assert.Equal(t, int64(1), reg.Status("dep-1").Failures)
}

func TestCallRejectsWhenBreakerOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	reg := NewRegistry(cfg)
	reg.RecordFailure("dep-1")

	calls := 0
	err := Call(context.Background(), reg, "dep-1", func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, errs.KindCapacity, errs.ClassOf(err))
}
