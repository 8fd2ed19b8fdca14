// Package libcouchbase is the core of a client library for a
// distributed key-value store that shards data across backend nodes
// using a vbucket partitioning scheme: it resolves keys to owning
// nodes, frames operations as binary memcached-compatible packets,
// multiplexes them over one persistent connection per node inside a
// single-threaded non-blocking event loop, and purges the implicit
// responses quiet commands leave behind.
package libcouchbase

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pierrejoye/libcouchbase/event"
	"github.com/pierrejoye/libcouchbase/internal/bootstrap"
	"github.com/pierrejoye/libcouchbase/internal/buffer"
	"github.com/pierrejoye/libcouchbase/memdx"
	"github.com/pierrejoye/libcouchbase/vbucket"
)

// Config configures a Client. Every field is optional; the zero value
// produces a usable default, following the teacher's Config shape.
type Config struct {
	// Host is the bootstrap host:port the initial vbucket map is
	// fetched from.
	Host string

	// User and Pass are the SASL credentials used for both the
	// bootstrap fetch's Basic auth and every Server's AUTHENTICATING
	// exchange.
	User string
	Pass string

	// Bucket is the bucket name the bootstrap streaming URL targets.
	Bucket string

	// Dialer creates Server connections. If nil, a net.Dialer with a
	// 5-second timeout is used.
	Dialer *net.Dialer

	// Logger receives structured diagnostics. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// EventLoop is the Adapter driving every Server's I/O readiness.
	// If nil, a fresh *event.Loop is started.
	EventLoop event.Adapter

	// CircuitBreaker constructs the per-server reconnect breaker. If
	// nil, defaultBreakerConfig() is used.
	CircuitBreaker func(addr string) *gobreaker.CircuitBreaker[breakerProbe]

	// BufferPool is the pool Servers draw their four buffers (one Quad
	// each) from. If nil, a pool sized for 64 concurrent Servers is
	// created.
	BufferPool *buffer.Pool

	// for testing purposes only
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	resolve func(ctx context.Context, host, port string) ([]string, error)
}

// Client owns the server array, the vbucket configuration, the
// callback table and the sequence counter, per spec.md §3's Client
// Instance.
type Client struct {
	cfg Config

	logger *slog.Logger
	loop   event.Adapter

	resolver   *vbucket.Resolver
	servers    []*Server
	breakers   map[string]*gobreaker.CircuitBreaker[breakerProbe]
	bufferPool *buffer.Pool

	seqno uint32

	cookie    any
	callbacks Callbacks
	filter    PacketFilter

	stats clientStatsCollector

	connected bool
	destroyed bool
}

// NewClient allocates a Client and records its configuration. No I/O
// happens until Connect is called, per spec.md §4.4's create().
func NewClient(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = defaultBreakerConfig()
	}
	if cfg.BufferPool == nil {
		pool, err := buffer.NewPool(256)
		if err != nil {
			return nil, fmt.Errorf("libcouchbase: %w", err)
		}
		cfg.BufferPool = pool
	}
	loop := cfg.EventLoop
	if loop == nil {
		// Run dispatches handlers on its own goroutine, which is why
		// every Server method it can reach (onReady and whatever it
		// calls downstream) takes s.mu: this goroutine runs concurrently
		// with whatever goroutine the caller uses to call Store/Get/
		// Mget/etc., which also touch Server state through enqueue.
		l := event.NewLoop()
		go l.Run()
		loop = l
	}
	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger,
		loop:       loop,
		resolver:   vbucket.NewResolver(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[breakerProbe]),
		bufferPool: cfg.BufferPool,
	}, nil
}

func (c *Client) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.cfg.dial != nil {
		return c.cfg.dial(ctx, network, addr)
	}
	return c.cfg.Dialer.DialContext(ctx, network, addr)
}

// resolveHost resolves host to every candidate address, joined with
// port — the Server's own data port, not the bootstrap host's REST
// port, which is typically a different listener entirely.
func (c *Client) resolveHost(ctx context.Context, host, port string) ([]string, error) {
	if c.cfg.resolve != nil {
		return c.cfg.resolve(ctx, host, port)
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = net.JoinHostPort(ip, port)
	}
	return out, nil
}

func (c *Client) nextOpaque() uint32 {
	return atomic.AddUint32(&c.seqno, 1)
}

// Connect fetches the initial vbucket configuration from the bootstrap
// host, installs it on the resolver, instantiates one Server per
// configuration entry, and begins connecting each of them, per
// spec.md §4.4's connect().
func (c *Client) Connect(ctx context.Context) error {
	cfg, err := bootstrap.FetchOnce(ctx, bootstrap.Options{
		Host:   c.cfg.Host,
		Bucket: c.cfg.Bucket,
		User:   c.cfg.User,
		Pass:   c.cfg.Pass,
	})
	if err != nil {
		return NewError(NetworkError, err)
	}
	return c.installConfig(ctx, cfg)
}

// ConnectWithConfig installs a pre-fetched vbucket configuration
// directly, bypassing the HTTP bootstrap fetch — used by tests and by
// callers who already hold a Config from elsewhere.
func (c *Client) ConnectWithConfig(ctx context.Context, cfg *vbucket.Config) error {
	return c.installConfig(ctx, cfg)
}

func (c *Client) installConfig(ctx context.Context, cfg *vbucket.Config) error {
	c.resolver.Install(cfg)
	c.servers = make([]*Server, cfg.NumServers())
	for i := 0; i < cfg.NumServers(); i++ {
		host, port, err := net.SplitHostPort(cfg.Server(i))
		if err != nil {
			return NewError(ProtocolError, err)
		}
		s := newServer(c, i, host, port)
		c.servers[i] = s
		s.beginConnect(ctx)
	}
	c.connected = true
	return nil
}

// SetCookie associates an arbitrary user value with the Client,
// retrievable from within a callback via GetCookie.
func (c *Client) SetCookie(cookie any) { c.cookie = cookie }

// GetCookie returns the value last passed to SetCookie.
func (c *Client) GetCookie() any { return c.cookie }

// SetCallbacks installs the callback table every operation dispatches
// through.
func (c *Client) SetCallbacks(callbacks Callbacks) { c.callbacks = callbacks }

// SetPacketFilter installs an optional predicate applied to every
// outgoing packet before it is queued.
func (c *Client) SetPacketFilter(filter PacketFilter) { c.filter = filter }

func (c *Client) serverFor(key, hashkey []byte) (*Server, error) {
	_, idx, err := c.resolver.Resolve(key, hashkey)
	if err != nil {
		return nil, NewError(NetworkError, err)
	}
	if idx < 0 || idx >= len(c.servers) {
		return nil, NewError(ProtocolError, fmt.Errorf("server index %d out of range", idx))
	}
	return c.servers[idx], nil
}

func (c *Client) vbucketFor(key, hashkey []byte) (uint16, error) {
	vbid, _, err := c.resolver.Resolve(key, hashkey)
	if err != nil {
		return 0, NewError(NetworkError, err)
	}
	return vbid, nil
}

// Mget enqueues one GET request per key: every key but the last uses
// GETQ, the last uses GETK, per spec.md §4.4's mget().
func (c *Client) Mget(keys [][]byte) error {
	return c.MgetByKey(nil, keys)
}

// MgetByKey is Mget with every key's vbucket chosen by hashing hashkey
// instead of the key itself.
func (c *Client) MgetByKey(hashkey []byte, keys [][]byte) error {
	for i, key := range keys {
		vbid, err := c.vbucketFor(key, hashkey)
		if err != nil {
			return err
		}
		server, err := c.serverFor(key, hashkey)
		if err != nil {
			return err
		}
		quiet := i != len(keys)-1
		pkt := memdx.EncodeGet(key, vbid, c.nextOpaque(), quiet)
		server.enqueue(pkt, quiet, kindGet, nil)
	}
	return nil
}

// Store enqueues one SET-family request, per spec.md §4.4's store().
func (c *Client) Store(op memdx.StorageOp, key, value []byte, flags uint32, expiration time.Duration, cas uint64) error {
	return c.StoreByKey(nil, op, key, value, flags, expiration, cas)
}

// StoreByKey is Store with the vbucket chosen by hashing hashkey.
func (c *Client) StoreByKey(hashkey []byte, op memdx.StorageOp, key, value []byte, flags uint32, expiration time.Duration, cas uint64) error {
	vbid, err := c.vbucketFor(key, hashkey)
	if err != nil {
		return err
	}
	server, err := c.serverFor(key, hashkey)
	if err != nil {
		return err
	}
	pkt := memdx.EncodeStore(op, key, value, flags, uint32(expiration.Seconds()), cas, vbid, c.nextOpaque())
	server.enqueue(pkt, false, kindStore, nil)
	c.stats.recordStore()
	return nil
}

// Arithmetic enqueues one INCREMENT/DECREMENT request, per spec.md
// §4.4's arithmetic().
func (c *Client) Arithmetic(increment bool, key []byte, delta, initial uint64, expiration time.Duration) error {
	return c.ArithmeticByKey(nil, increment, key, delta, initial, expiration)
}

// ArithmeticByKey is Arithmetic with the vbucket chosen by hashing
// hashkey.
func (c *Client) ArithmeticByKey(hashkey []byte, increment bool, key []byte, delta, initial uint64, expiration time.Duration) error {
	vbid, err := c.vbucketFor(key, hashkey)
	if err != nil {
		return err
	}
	server, err := c.serverFor(key, hashkey)
	if err != nil {
		return err
	}
	pkt := memdx.EncodeArithmetic(increment, key, delta, initial, uint32(expiration.Seconds()), vbid, c.nextOpaque())
	server.enqueue(pkt, false, kindArithmetic, nil)
	c.stats.recordArithmetic()
	return nil
}

// Remove enqueues one DELETE request, per spec.md §4.4's remove().
func (c *Client) Remove(key []byte, cas uint64) error {
	return c.RemoveByKey(nil, key, cas)
}

// RemoveByKey is Remove with the vbucket chosen by hashing hashkey.
func (c *Client) RemoveByKey(hashkey []byte, key []byte, cas uint64) error {
	vbid, err := c.vbucketFor(key, hashkey)
	if err != nil {
		return err
	}
	server, err := c.serverFor(key, hashkey)
	if err != nil {
		return err
	}
	pkt := memdx.EncodeDelete(key, cas, vbid, c.nextOpaque())
	server.enqueue(pkt, false, kindRemove, nil)
	c.stats.recordRemove()
	return nil
}

// TapCluster opens a TAP stream to every server. Mutations are
// delivered to Callbacks.Tap as they arrive; this method enqueues the
// TAP_CONNECT handshake and, when block is true, calls Execute until
// every stream's connection is closed.
//
// The TAP_CONNECT entry stays in cmd_log for the life of the stream
// (see server.go's dispatch/enqueue), which is how Execute's
// drained() check keeps block=true waiting; it is marked quiet so an
// unrelated request's response on the same connection purges it
// gracefully instead of a real protocol violation if one ever turns
// up in the purge gap ahead of it.
func (c *Client) TapCluster(ctx context.Context, filter []byte, block bool) error {
	for _, server := range c.servers {
		pkt := memdx.EncodeTapConnect(0, filter, c.nextOpaque())
		server.enqueue(pkt, true, kindTap, nil)
	}
	if block {
		return c.Execute(ctx)
	}
	return nil
}

// Version issues a VERSION diagnostic request against one server and
// delivers the reply through cb, per SPEC_FULL's supplemented
// diagnostics.
func (c *Client) Version(serverIndex int, cb DiagnosticCallback) error {
	if serverIndex < 0 || serverIndex >= len(c.servers) {
		return NewError(ProtocolError, fmt.Errorf("server index %d out of range", serverIndex))
	}
	pkt := memdx.EncodeVersion(c.nextOpaque())
	c.servers[serverIndex].enqueue(pkt, false, kindDiagnostic, cb)
	return nil
}

// Stat issues a STAT diagnostic request for key (empty for the general
// stats group) against one server.
func (c *Client) Stat(serverIndex int, key string, cb DiagnosticCallback) error {
	if serverIndex < 0 || serverIndex >= len(c.servers) {
		return NewError(ProtocolError, fmt.Errorf("server index %d out of range", serverIndex))
	}
	pkt := memdx.EncodeStat([]byte(key), c.nextOpaque())
	c.servers[serverIndex].enqueue(pkt, false, kindDiagnostic, cb)
	return nil
}

// Flush issues a FLUSH request against one server, clearing its data
// after delay.
func (c *Client) Flush(serverIndex int, delay time.Duration, cb DiagnosticCallback) error {
	if serverIndex < 0 || serverIndex >= len(c.servers) {
		return NewError(ProtocolError, fmt.Errorf("server index %d out of range", serverIndex))
	}
	pkt := memdx.EncodeFlush(uint32(delay.Seconds()), 0, c.nextOpaque())
	c.servers[serverIndex].enqueue(pkt, false, kindDiagnostic, cb)
	return nil
}

// Execute runs until every server's in-flight set is empty, per
// spec.md §4.4's invariant: ∑ cmd_log.avail across all servers is zero
// and no Server is pre-READY with a non-empty pending. Callers
// typically invoke this after a batch of enqueues to drive the event
// loop to completion; callbacks MUST NOT call Destroy.
func (c *Client) Execute(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if c.drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return NewError(NetworkError, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) drained() bool {
	for _, s := range c.servers {
		if s.isClosed() {
			continue
		}
		if s.inFlight() > 0 {
			return false
		}
	}
	return true
}

// Destroy tears down every Server in order, purging any outstanding
// request as a synthetic miss before closing its connection, per
// spec.md §4.4's destroy() and §5's cancellation clause.
func (c *Client) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	for _, s := range c.servers {
		s.destroy()
	}
	c.bufferPool.Close()
	return nil
}
