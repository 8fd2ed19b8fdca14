package libcouchbase

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	return c
}

func TestAllowReconnectStartsClosed(t *testing.T) {
	c := newTestClient(t)
	assert.True(t, c.allowReconnect("node1:11210"))
}

func TestRecordReconnectFailureTripsBreaker(t *testing.T) {
	c := newTestClient(t)
	c.cfg.CircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Hour)

	addr := "node1:11210"
	for i := 0; i < 3; i++ {
		c.recordReconnectFailure(addr, errors.New("connect refused"))
	}

	assert.Equal(t, gobreaker.StateOpen, c.breakerFor(addr).State())
	assert.False(t, c.allowReconnect(addr))
}

func TestAllowReconnectDoesNotDiluteFailureRatio(t *testing.T) {
	c := newTestClient(t)
	c.cfg.CircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Hour)

	addr := "node1:11210"
	for i := 0; i < 10; i++ {
		assert.True(t, c.allowReconnect(addr))
	}
	for i := 0; i < 3; i++ {
		c.recordReconnectFailure(addr, errors.New("connect refused"))
	}

	assert.Equal(t, gobreaker.StateOpen, c.breakerFor(addr).State())
}

func TestRecordReconnectSuccessClosesHalfOpenBreaker(t *testing.T) {
	c := newTestClient(t)
	c.cfg.CircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Millisecond)

	addr := "node1:11210"
	for i := 0; i < 3; i++ {
		c.recordReconnectFailure(addr, errors.New("connect refused"))
	}
	require.Equal(t, gobreaker.StateOpen, c.breakerFor(addr).State())

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, gobreaker.StateHalfOpen, c.breakerFor(addr).State())

	c.recordReconnectSuccess(addr)
	assert.Equal(t, gobreaker.StateClosed, c.breakerFor(addr).State())
}

func TestBreakersAreIndependentPerAddress(t *testing.T) {
	c := newTestClient(t)
	c.cfg.CircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Hour)

	for i := 0; i < 3; i++ {
		c.recordReconnectFailure("node1:11210", errors.New("boom"))
	}

	assert.Equal(t, gobreaker.StateOpen, c.breakerFor("node1:11210").State())
	assert.Equal(t, gobreaker.StateClosed, c.breakerFor("node2:11210").State())
}
