package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/pkg/schema"
)

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakers, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakers_StartClosed(t *testing.T) {
	cb, _ := newTestBreakers(3, time.Second)
	assert.NoError(t, cb.Allow("runner"))
	assert.Equal(t, CircuitClosed, cb.State("runner"))
}

func TestCircuitBreakers_OpenAfterThreshold(t *testing.T) {
	cb, _ := newTestBreakers(3, 10*time.Second)

	cb.Failure("runner")
	cb.Failure("runner")
	assert.Equal(t, CircuitClosed, cb.State("runner"))
	assert.Equal(t, CircuitOpen, cb.Failure("runner"))

	err := cb.Allow("runner")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTransient))
	assert.True(t, IsRetryableError(err), "an open circuit must keep the poll loop waiting")

	assert.NoError(t, cb.Allow("notifier"), "breakers are independent per dependency")
}

func TestCircuitBreakers_SuccessResets(t *testing.T) {
	cb, _ := newTestBreakers(3, time.Second)
	cb.Failure("runner")
	cb.Failure("runner")
	cb.Success("runner")
	cb.Failure("runner")
	cb.Failure("runner")
	assert.Equal(t, CircuitClosed, cb.State("runner"))
}

func TestCircuitBreakers_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreakers(1, 5*time.Second)
	cb.Failure("runner")
	require.Error(t, cb.Allow("runner"))

	*now = now.Add(6 * time.Second)
	require.NoError(t, cb.Allow("runner"), "one probe after cooldown")
	assert.Equal(t, CircuitHalfOpen, cb.State("runner"))
	assert.Error(t, cb.Allow("runner"), "only one probe in flight")

	cb.Failure("runner")
	assert.Equal(t, CircuitOpen, cb.State("runner"))

	*now = now.Add(6 * time.Second)
	require.NoError(t, cb.Allow("runner"))
	cb.Success("runner")
	assert.Equal(t, CircuitClosed, cb.State("runner"))
	assert.NoError(t, cb.Allow("runner"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}
