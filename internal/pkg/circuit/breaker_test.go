package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("advisor", 2, time.Minute).WithClock(func() time.Time { return now })
	b.OnStateChange(func(string, State, State) {})

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(61 * time.Second)
	assert.True(t, b.Allow(), "probe after timeout")
	assert.False(t, b.Allow(), "only one probe while half-open")
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := New("venue", 1, time.Second).WithClock(func() time.Time { return now })
	b.OnStateChange(func(string, State, State) {})
	b.Failure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerCancelReturnsHalfOpenSlot(t *testing.T) {
	now := time.Unix(0, 0)
	b := New("advisor", 1, time.Second).WithClock(func() time.Time { return now })
	b.OnStateChange(func(string, State, State) {})
	b.Failure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.Cancel()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow(), "slot is free again")
	b.Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	b := New("off", 0, time.Second)
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow())
	var nilBreaker *Breaker
	assert.True(t, nilBreaker.Allow())
}
