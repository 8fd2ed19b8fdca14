package libcouchbase

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pierrejoye/libcouchbase/internal/coarsetime"
)

// ServerStats reports per-server counters. The underlying counters are
// atomics so a snapshot is safe to read concurrently with both the
// event-loop goroutine (which dispatches responses) and whatever
// goroutine a caller uses to enqueue requests.
type ServerStats struct {
	Address             string
	State               string
	BytesSent           uint64
	BytesReceived       uint64
	RequestsSent        uint64
	ResponsesReceived   uint64
	SynthesizedPurges    uint64
	ReconnectAttempts   uint64
	CircuitBreakerState gobreaker.State
	LastActivity        time.Time
}

// ClientStats reports counters across every operation family a Client
// has issued, mirroring the teacher's ClientStats shape.
type ClientStats struct {
	Gets       uint64
	Stores     uint64
	Arithmetic uint64
	Removes    uint64
	GetHits    uint64
	Errors     uint64
}

type serverStatsCollector struct {
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	requestsSent      atomic.Uint64
	responsesReceived atomic.Uint64
	synthesizedPurges atomic.Uint64
	reconnectAttempts atomic.Uint64
	lastActivity      atomic.Value // time.Time, via coarsetime.Now() to avoid a syscall per packet
}

func (c *serverStatsCollector) recordWrite(n int) {
	c.bytesSent.Add(uint64(n))
	c.lastActivity.Store(coarsetime.Now())
}

func (c *serverStatsCollector) recordRead(n int) {
	c.bytesReceived.Add(uint64(n))
	c.lastActivity.Store(coarsetime.Now())
}

func (c *serverStatsCollector) recordRequestSent() {
	c.requestsSent.Add(1)
}

func (c *serverStatsCollector) recordResponseReceived() {
	c.responsesReceived.Add(1)
}

func (c *serverStatsCollector) recordPurge(n int) {
	c.synthesizedPurges.Add(uint64(n))
}

func (c *serverStatsCollector) recordReconnectAttempt() {
	c.reconnectAttempts.Add(1)
}

func (c *serverStatsCollector) snapshot(addr, state string, cbState gobreaker.State) ServerStats {
	var lastActivity time.Time
	if v, ok := c.lastActivity.Load().(time.Time); ok {
		lastActivity = v
	}
	return ServerStats{
		Address:             addr,
		State:               state,
		BytesSent:           c.bytesSent.Load(),
		BytesReceived:       c.bytesReceived.Load(),
		RequestsSent:        c.requestsSent.Load(),
		ResponsesReceived:   c.responsesReceived.Load(),
		SynthesizedPurges:   c.synthesizedPurges.Load(),
		ReconnectAttempts:   c.reconnectAttempts.Load(),
		CircuitBreakerState: cbState,
		LastActivity:        lastActivity,
	}
}

type clientStatsCollector struct {
	gets       atomic.Uint64
	stores     atomic.Uint64
	arithmetic atomic.Uint64
	removes    atomic.Uint64
	getHits    atomic.Uint64
	errors     atomic.Uint64
}

func (c *clientStatsCollector) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.getHits.Add(1)
	}
}

func (c *clientStatsCollector) recordStore() { c.stores.Add(1) }

func (c *clientStatsCollector) recordArithmetic() { c.arithmetic.Add(1) }

func (c *clientStatsCollector) recordRemove() { c.removes.Add(1) }

func (c *clientStatsCollector) recordError() { c.errors.Add(1) }

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:       c.gets.Load(),
		Stores:     c.stores.Load(),
		Arithmetic: c.arithmetic.Load(),
		Removes:    c.removes.Load(),
		GetHits:    c.getHits.Load(),
		Errors:     c.errors.Load(),
	}
}

// Stats returns a snapshot of every Server's counters alongside the
// aggregate Client counters.
func (c *Client) Stats() ([]ServerStats, ClientStats) {
	servers := make([]ServerStats, len(c.servers))
	for i, s := range c.servers {
		var cbState gobreaker.State
		if b, ok := c.breakers[s.addr]; ok {
			cbState = b.State()
		}
		servers[i] = s.stats.snapshot(s.addr, s.state.String(), cbState)
	}
	return servers, c.stats.snapshot()
}
