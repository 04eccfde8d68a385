package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{FailureThreshold: 2, OpenDuration: 50 * time.Millisecond})

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "closed", b.State())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "open", b.State())

	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	t.Parallel()
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "open", b.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow(), "after OpenDuration elapses the breaker should allow a probe")
	b.Success()
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})

	require.NoError(t, b.Allow())
	b.Failure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "open", b.State())
}
