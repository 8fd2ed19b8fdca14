package libcouchbase

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrejoye/libcouchbase/event"
	"github.com/pierrejoye/libcouchbase/internal/buffer"
	"github.com/pierrejoye/libcouchbase/internal/testutils"
	"github.com/pierrejoye/libcouchbase/memdx"
)

// newReadyServer builds a Client/Server pair wired to a FakeLoop and a
// net.Pipe, with the Server already in the READY state, for tests that
// drive the dispatch/purge logic directly without a connect sequence.
func newReadyServer(t *testing.T) (*Client, *Server, *event.FakeLoop, net.Conn) {
	t.Helper()
	loop := event.NewFakeLoop()
	pool, err := buffer.NewPool(8)
	require.NoError(t, err)
	client, err := NewClient(Config{EventLoop: loop, BufferPool: pool})
	require.NoError(t, err)

	peer, local := net.Pipe()
	t.Cleanup(func() { peer.Close(); local.Close() })

	s := newServer(client, 0, "127.0.0.1", "11210")
	quad, err := pool.AcquireQuad(context.Background())
	require.NoError(t, err)
	s.quad = quad
	s.input, s.output, s.pending = quad.Input, quad.Output, quad.Pending
	s.conn = local
	s.fd = loop.Register(local)
	s.state = stateReady
	client.servers = []*Server{s}
	return client, s, loop, peer
}

func TestPurgeSynthesizesQuietGapBeforeLaterResponse(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var getCalls []struct {
		err ErrorKind
		key string
	}
	c.SetCallbacks(Callbacks{
		Get: func(_ *Client, err error, key []byte, value []byte, flags uint32, cas uint64) {
			kind := Success
			if e, ok := err.(*Error); ok {
				kind = e.Kind
			}
			getCalls = append(getCalls, struct {
				err ErrorKind
				key string
			}{kind, string(key)})
		},
	})

	// "a" (opaque 1, GETQ) is quiet: the server never answers it, so the
	// purge rule reports it as KEY_ENOENT when "b"'s response arrives.
	// "b" (opaque 2, GETK) is the batch terminator and always answers.
	s.cmdLog = []cmdLogEntry{
		{opaque: 1, opcode: memdx.OpGetQ, quiet: true, kind: kindGet, key: []byte("a")},
		{opaque: 2, opcode: memdx.OpGetK, quiet: false, kind: kindGet, key: []byte("b")},
	}

	resp := &memdx.Packet{IsResponse: true, OpCode: memdx.OpGetK, Opaque: 2, Status: memdx.StatusSuccess, Key: []byte("b"), Value: []byte("v")}
	s.dispatch(resp)

	require.Len(t, getCalls, 2)
	assert.Equal(t, KeyENoent, getCalls[0].err)
	assert.Equal(t, "a", getCalls[0].key)
	assert.Equal(t, Success, getCalls[1].err)
	assert.Equal(t, "b", getCalls[1].key)
	assert.Empty(t, s.cmdLog)
}

func TestPurgeOfQuietStoreSynthesizesSuccess(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var storeCalls []string
	c.SetCallbacks(Callbacks{
		Store:  func(_ *Client, err error, key []byte, cas uint64) { storeCalls = append(storeCalls, string(key)) },
		Remove: func(*Client, error, []byte) {},
	})

	s.cmdLog = []cmdLogEntry{
		{opaque: 1, opcode: memdx.OpSetQ, quiet: true, kind: kindStore, key: []byte("k1")},
		{opaque: 2, opcode: memdx.OpDelete, quiet: false, kind: kindRemove, key: []byte("k2")},
	}

	resp := &memdx.Packet{IsResponse: true, OpCode: memdx.OpDelete, Opaque: 2, Status: memdx.StatusSuccess, Key: []byte("k2")}
	s.dispatch(resp)

	assert.Equal(t, []string{"k1"}, storeCalls)
}

func TestNonQuietOpcodeInPurgeGapIsFatal(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var errCalls int
	c.SetCallbacks(Callbacks{Error: func(*Client, error, string) { errCalls++ }})

	s.cmdLog = []cmdLogEntry{
		{opaque: 1, opcode: memdx.OpDelete, quiet: false, kind: kindRemove, key: []byte("k1")},
		{opaque: 2, opcode: memdx.OpGetK, quiet: false, kind: kindGet, key: []byte("k2")},
	}

	resp := &memdx.Packet{IsResponse: true, OpCode: memdx.OpGetK, Opaque: 2, Status: memdx.StatusSuccess, Key: []byte("k2")}
	s.dispatch(resp)

	assert.Equal(t, 1, errCalls)
	assert.Equal(t, stateClosed, s.state)
}

func TestCmdLogOpaquesStrictlyIncreasing(t *testing.T) {
	_, s, _, _ := newReadyServer(t)
	pkt1 := memdx.EncodeGet([]byte("a"), 0, 1, true)
	pkt2 := memdx.EncodeGet([]byte("b"), 0, 2, true)
	s.enqueue(pkt1, true, kindGet, nil)
	s.enqueue(pkt2, true, kindGet, nil)
	require.Len(t, s.cmdLog, 2)
	assert.Less(t, s.cmdLog[0].opaque, s.cmdLog[1].opaque)
}

func TestTapMutationsStreamWithoutConsumingConnectEntry(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	type mutation struct {
		key        string
		value      string
		flags, exp uint32
		cas        uint64
		vbucket    uint16
	}
	var tapCalls []mutation
	c.SetCallbacks(Callbacks{
		Tap: func(_ *Client, key, data []byte, flags, expiration uint32, cas uint64, vbucket uint16) {
			tapCalls = append(tapCalls, mutation{string(key), string(data), flags, expiration, cas, vbucket})
		},
	})

	s.cmdLog = []cmdLogEntry{
		{opaque: 1, opcode: memdx.OpTapConnect, quiet: true, kind: kindTap},
	}

	extras := make([]byte, 8)
	extras[3] = 0x2a // flags = 42
	extras[7] = 0x3c // expiration = 60
	mut1 := &memdx.Packet{OpCode: memdx.OpTapMutation, Opaque: 1, Extras: extras, Key: []byte("k1"), Value: []byte("v1"), CAS: 7, VBucket: 3}
	s.dispatch(mut1)

	del := &memdx.Packet{OpCode: memdx.OpTapDelete, Opaque: 1, Key: []byte("k2"), CAS: 9, VBucket: 4}
	s.dispatch(del)

	require.Len(t, tapCalls, 2)
	assert.Equal(t, mutation{"k1", "v1", 42, 60, 7, 3}, tapCalls[0])
	assert.Equal(t, mutation{"k2", "", 0, 0, 9, 4}, tapCalls[1])

	// Neither push touched the logged TAP_CONNECT entry, and the
	// connection is still open: the original bug consumed that entry on
	// the first mutation and failed the connection on the second.
	require.Len(t, s.cmdLog, 1)
	assert.Equal(t, stateReady, s.state)
}

func TestGetDispatchRecordsHitMissAndError(t *testing.T) {
	c, s, _, _ := newReadyServer(t)
	c.SetCallbacks(Callbacks{Get: func(*Client, error, []byte, []byte, uint32, uint64) {}})

	hit := memdx.EncodeGet([]byte("hit"), 0, 1, false)
	s.enqueue(hit, false, kindGet, nil)
	s.dispatch(&memdx.Packet{IsResponse: true, OpCode: memdx.OpGet, Opaque: 1, Status: memdx.StatusSuccess, Key: []byte("hit"), Value: []byte("v")})

	miss := memdx.EncodeGet([]byte("miss"), 0, 2, false)
	s.enqueue(miss, false, kindGet, nil)
	s.dispatch(&memdx.Packet{IsResponse: true, OpCode: memdx.OpGet, Opaque: 2, Status: memdx.StatusKeyNotFound, Key: []byte("miss")})

	snap := c.stats.snapshot()
	assert.Equal(t, uint64(2), snap.Gets)
	assert.Equal(t, uint64(1), snap.GetHits)
	assert.Equal(t, uint64(0), snap.Errors)

	c.SetCallbacks(Callbacks{Store: func(*Client, error, []byte, uint64) {}})
	busy := memdx.EncodeStore(memdx.StorageReplace, []byte("k"), []byte("v"), 0, 0, 0, 0, 3)
	s.enqueue(busy, false, kindStore, nil)
	s.dispatch(&memdx.Packet{IsResponse: true, OpCode: memdx.OpReplace, Opaque: 3, Status: memdx.StatusKeyExists, Key: []byte("k")})

	assert.Equal(t, uint64(1), c.stats.snapshot().Errors)
}

func TestConnectedFalseImpliesOutputEmpty(t *testing.T) {
	c, err := NewClient(Config{EventLoop: event.NewFakeLoop()})
	require.NoError(t, err)
	pool, err := buffer.NewPool(4)
	require.NoError(t, err)
	quad, err := pool.AcquireQuad(context.Background())
	require.NoError(t, err)

	s := newServer(c, 0, "127.0.0.1", "11210")
	s.quad = quad
	s.input, s.output, s.pending = quad.Input, quad.Output, quad.Pending
	s.state = stateConnecting

	pkt := memdx.EncodeGet([]byte("a"), 0, 1, false)
	s.enqueue(pkt, false, kindGet, nil)

	assert.Equal(t, 0, s.output.Len())
	assert.Positive(t, s.pending.Len())
}

func TestStoreCasConflictDeliversKeyEExists(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var gotErr error
	var gotCas uint64
	c.SetCallbacks(Callbacks{
		Store: func(_ *Client, err error, key []byte, cas uint64) {
			gotErr = err
			gotCas = cas
		},
	})

	pkt := memdx.EncodeStore(memdx.StorageReplace, []byte("k"), []byte("v"), 0, 0, 42, 0, 9)
	s.enqueue(pkt, false, kindStore, nil)

	resp := &memdx.Packet{IsResponse: true, OpCode: memdx.OpReplace, Opaque: 9, Status: memdx.StatusKeyExists, Key: []byte("k")}
	s.dispatch(resp)

	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, NewError(KeyEExists, nil))
	assert.Equal(t, uint64(0), gotCas)
}

func TestArithmeticCreateIfMissingThenIncrement(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var values []uint64
	c.SetCallbacks(Callbacks{
		Arithmetic: func(_ *Client, err error, key []byte, value uint64, cas uint64) {
			require.NoError(t, err)
			values = append(values, value)
		},
	})

	pkt1 := memdx.EncodeArithmetic(true, []byte("ctr"), 5, 10, 0, 0, 1)
	s.enqueue(pkt1, false, kindArithmetic, nil)
	resp1 := &memdx.Packet{IsResponse: true, OpCode: memdx.OpIncrement, Opaque: 1, Status: memdx.StatusSuccess, Value: mustBE64(10)}
	s.dispatch(resp1)

	pkt2 := memdx.EncodeArithmetic(true, []byte("ctr"), 5, 10, 0, 0, 2)
	s.enqueue(pkt2, false, kindArithmetic, nil)
	resp2 := &memdx.Packet{IsResponse: true, OpCode: memdx.OpIncrement, Opaque: 2, Status: memdx.StatusSuccess, Value: mustBE64(15)}
	s.dispatch(resp2)

	assert.Equal(t, []uint64{10, 15}, values)
}

func mustBE64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func TestPurgeAllOnDestroySynthesizesEveryOutstandingGet(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var misses int
	c.SetCallbacks(Callbacks{
		Get: func(_ *Client, err error, key []byte, value []byte, flags uint32, cas uint64) {
			if e, ok := err.(*Error); ok && e.Kind == KeyENoent {
				misses++
			}
		},
	})

	for i := 0; i < 100; i++ {
		pkt := memdx.EncodeGet([]byte("k"), 0, c.nextOpaque(), true)
		s.enqueue(pkt, true, kindGet, nil)
	}
	require.Len(t, s.cmdLog, 100)

	require.NoError(t, c.Destroy())
	assert.Equal(t, 100, misses)
	assert.Empty(t, s.cmdLog)
}

// TestPurgeAllOnDestroyCompletesNonQuietRequests covers the common
// case: Store/Arithmetic/Remove and an Mget's GETK terminator are all
// non-quiet, so destroy() must still deliver exactly one callback for
// each rather than routing them through the response-driven purge rule
// (which would treat a non-quiet entry as a protocol violation).
func TestPurgeAllOnDestroyCompletesNonQuietRequests(t *testing.T) {
	c, s, _, _ := newReadyServer(t)

	var gotGet, gotStore, gotRemove, gotArithmetic bool
	var errCalls int
	c.SetCallbacks(Callbacks{
		Get:        func(_ *Client, err error, key []byte, value []byte, flags uint32, cas uint64) { gotGet = true },
		Store:      func(_ *Client, err error, key []byte, cas uint64) { gotStore = true },
		Remove:     func(_ *Client, err error, key []byte) { gotRemove = true },
		Arithmetic: func(_ *Client, err error, key []byte, value uint64, cas uint64) { gotArithmetic = true },
		Error:      func(*Client, error, string) { errCalls++ },
	})

	s.enqueue(memdx.EncodeGet([]byte("a"), 0, c.nextOpaque(), false), false, kindGet, nil)
	s.enqueue(memdx.EncodeStore(memdx.StorageSet, []byte("b"), []byte("v"), 0, 0, 0, 0, c.nextOpaque()), false, kindStore, nil)
	s.enqueue(memdx.EncodeDelete([]byte("c"), 0, 0, c.nextOpaque()), false, kindRemove, nil)
	s.enqueue(memdx.EncodeArithmetic(true, []byte("d"), 1, 0, 0, 0, c.nextOpaque()), false, kindArithmetic, nil)
	require.Len(t, s.cmdLog, 4)

	require.NoError(t, c.Destroy())

	assert.True(t, gotGet)
	assert.True(t, gotStore)
	assert.True(t, gotRemove)
	assert.True(t, gotArithmetic)
	assert.Zero(t, errCalls)
	assert.Empty(t, s.cmdLog)
}

// TestOnWritableFlushesEncodedRequestToConnection drives the real
// write path (enqueue -> output buffer -> onWritable -> conn.Write)
// against a recording net.Conn double, rather than the net.Pipe used
// by newReadyServer, so the exact bytes placed on the wire can be
// asserted directly.
func TestOnWritableFlushesEncodedRequestToConnection(t *testing.T) {
	loop := event.NewFakeLoop()
	pool, err := buffer.NewPool(4)
	require.NoError(t, err)
	client, err := NewClient(Config{EventLoop: loop, BufferPool: pool})
	require.NoError(t, err)

	mock := testutils.NewConnectionMock()
	s := newServer(client, 0, "127.0.0.1", "11210")
	quad, err := pool.AcquireQuad(context.Background())
	require.NoError(t, err)
	s.quad = quad
	s.input, s.output, s.pending = quad.Input, quad.Output, quad.Pending
	s.conn = mock
	s.fd = loop.Register(mock)
	s.state = stateReady

	pkt := memdx.EncodeGet([]byte("k"), 0, 7, false)
	s.enqueue(pkt, false, kindGet, nil)
	s.onWritable()

	want := string(memdx.EncodeRequest(memdx.EncodeGet([]byte("k"), 0, 7, false)))
	assert.Equal(t, want, mock.GetWrittenRequest())
	assert.Equal(t, 0, s.output.Len())
}
