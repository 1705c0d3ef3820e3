package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("entry", CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: time.Minute})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2)
	boom := errors.New("boom")

	require.NoError(t, cb.Allow())
	cb.Record(boom)
	assert.Equal(t, CircuitClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.Record(boom)
	assert.Equal(t, CircuitOpen, cb.State())

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.Equal(t, int64(1), cb.Stats().TotalRejected)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(2)

	cb.Record(errors.New("boom"))
	cb.Record(nil)
	cb.Record(errors.New("boom"))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().CurrentFailures)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1)

	cb.Record(errors.New("boom"))
	require.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe at a time")

	cb.Record(errors.New("still down"))
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Allow())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.Record(errors.New("boom"))
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}
