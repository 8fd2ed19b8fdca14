package libcouchbase

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerProbe is the value gobreaker threads through Execute; the
// breaker here gates whether a reconnect attempt is allowed to happen
// at all, so the payload carries no information.
type breakerProbe = struct{}

// NewCircuitBreakerConfig returns a constructor for per-server reconnect
// circuit breakers, keyed by "host:port". A Server consults its
// breaker before dialing its candidate addresses on every connect
// attempt; repeated dial failures trip it open for a cooldown window,
// during which a connect attempt fails at once with NetworkError
// instead of dialing.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[breakerProbe] {
	return func(serverAddr string) *gobreaker.CircuitBreaker[breakerProbe] {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[breakerProbe](settings)
	}
}

// defaultBreakerConfig is installed on a Client whose Config did not
// supply a CircuitBreaker constructor: three failed reconnects within a
// minute trip the breaker for ten seconds.
func defaultBreakerConfig() func(string) *gobreaker.CircuitBreaker[breakerProbe] {
	return NewCircuitBreakerConfig(1, time.Minute, 10*time.Second)
}

// allowReconnect reports whether addr is allowed to attempt a fresh
// connect right now, creating its breaker lazily on first use. This is
// a pure state read: it must not itself record an outcome, or every
// gate check would log a synthetic success alongside the real failure
// recordReconnectFailure logs for the same attempt, diluting
// failureRatio. gobreaker still lets a fixed number of probes through
// once Timeout elapses and State() reports HalfOpen; those probes are
// the real dial attempts recordReconnectFailure/recordReconnectSuccess
// report against below.
func (c *Client) allowReconnect(addr string) bool {
	return c.breakerFor(addr).State() != gobreaker.StateOpen
}

// recordReconnectSuccess reports a successful connect attempt against
// addr's breaker, the only thing that can close a Half-Open breaker
// back up.
func (c *Client) recordReconnectSuccess(addr string) {
	b := c.breakerFor(addr)
	_, _ = b.Execute(func() (breakerProbe, error) {
		return breakerProbe{}, nil
	})
}

// recordReconnectFailure reports a failed connect attempt against
// addr's breaker, counting toward tripping it open.
func (c *Client) recordReconnectFailure(addr string, cause error) {
	b := c.breakerFor(addr)
	_, _ = b.Execute(func() (breakerProbe, error) {
		return breakerProbe{}, cause
	})
}

func (c *Client) breakerFor(addr string) *gobreaker.CircuitBreaker[breakerProbe] {
	if b, ok := c.breakers[addr]; ok {
		return b
	}
	b := c.cfg.CircuitBreaker(addr)
	c.breakers[addr] = b
	return b
}
