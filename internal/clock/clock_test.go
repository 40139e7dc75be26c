package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcDeadlineZeroMeansImmediateExpiry(t *testing.T) {
	d := CalcDeadline(0)
	require.False(t, HasNoDeadline(d))
	assert.True(t, IsDeadlineExpired(d))
	assert.Equal(t, time.Duration(0), Remaining(d))
}

func TestNoDeadlineIsDistinctFromZeroTimeout(t *testing.T) {
	assert.True(t, HasNoDeadline(NoDeadline))
	assert.False(t, IsDeadlineExpired(NoDeadline))
}

func TestCalcDeadlineFuture(t *testing.T) {
	d := CalcDeadline(1000)
	assert.False(t, HasNoDeadline(d))
	assert.False(t, IsDeadlineExpired(d))
	assert.True(t, Remaining(d) > 0)
}

func TestIsDeadlineExpiredPast(t *testing.T) {
	d := time.Now().Add(-time.Second)
	assert.True(t, IsDeadlineExpired(d))
	assert.Equal(t, time.Duration(0), Remaining(d))
}

func TestIsDeadlineExpiredWithinSafetyMargin(t *testing.T) {
	d := time.Now().Add(5 * time.Millisecond)
	assert.True(t, IsDeadlineExpired(d))
}
