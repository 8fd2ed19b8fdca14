package libcouchbase

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pierrejoye/libcouchbase/event"
	"github.com/pierrejoye/libcouchbase/internal/buffer"
	"github.com/pierrejoye/libcouchbase/memdx"
	"github.com/pierrejoye/libcouchbase/sasl"
)

// serverState is the Server Connection state machine of spec.md §4.3.
type serverState uint8

const (
	stateUnresolved serverState = iota
	stateResolving
	stateConnecting
	stateAuthenticating
	stateReady
	stateClosed
)

func (s serverState) String() string {
	switch s {
	case stateUnresolved:
		return "UNRESOLVED"
	case stateResolving:
		return "RESOLVING"
	case stateConnecting:
		return "CONNECTING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateReady:
		return "READY"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// opKind tags a cmd_log entry with which callback family dispatches its
// response.
type opKind uint8

const (
	kindGet opKind = iota
	kindStore
	kindArithmetic
	kindRemove
	kindDiagnostic
	kindTap
)

// cmdLogEntry is one outstanding request recorded in a Server's
// multiplex log, per spec.md §3's Server Record and §4.3's purge rule.
// The spec models cmd_log as a byte buffer holding serialized headers;
// this keeps the equivalent information as a structured slice instead
// of re-parsing bytes on every purge walk (see DESIGN.md).
type cmdLogEntry struct {
	opaque uint32
	opcode memdx.OpCode
	quiet  bool
	kind   opKind
	key    []byte
	diag   DiagnosticCallback
}

// DiagnosticCallback completes a Version/Stat/Flush request, the
// SUPPLEMENTED diagnostic operations.
type DiagnosticCallback func(c *Client, err error, info string)

// saslStage tracks where in the LIST_MECHS → AUTH → STEP* exchange the
// AUTHENTICATING state currently is.
type saslStage uint8

const (
	saslAwaitMechs saslStage = iota
	saslAwaitAuth
	saslAwaitStep
)

// Server is one backend node's connection lifecycle: resolution,
// connect-retry across candidate addresses, SASL handshake, buffered
// I/O and the multiplex log, per spec.md §3 and §4.3.
type Server struct {
	client   *Client
	index    int
	hostname string
	port     string
	addr     string // "hostname:port", also the circuit breaker key

	// mu guards every field below against the two goroutines that
	// touch a Server in the real (non-Fake) event.Loop: enqueue,
	// beginConnect and destroy run on whichever goroutine the caller
	// used, while onReady runs on the Loop's own dispatch goroutine.
	// spec.md §5 models a single-threaded, lock-free core; this Go
	// port's reference Adapter physically spans two goroutines to get
	// non-blocking reads without a raw poller, so a single per-Server
	// mutex reconciles the two — see DESIGN.md. Only the four entry
	// points above and the read-only inFlight/isClosed accessors acquire
	// it; every method the entry points call assumes it is already held.
	mu sync.Mutex

	candidates []string
	cursor     int

	conn  net.Conn
	fd    int
	state serverState

	quad *buffer.Quad
	// input/output/pending alias the Quad's buffers of the same name;
	// cmd_log is kept as cmdLog below instead of quad.CmdLog's raw
	// bytes, see cmdLogEntry's doc comment.
	input, output, pending *buffer.Buffer

	cmdLog        []cmdLogEntry
	pendingCmdLog []cmdLogEntry // cmd_log entries for bytes still sitting in pending, migrated on becomeReady

	saslMech  sasl.Mechanism
	saslStage saslStage
	saslName  string

	logger *slog.Logger
	stats  serverStatsCollector
}

func newServer(c *Client, index int, hostname, port string) *Server {
	return &Server{
		client:   c,
		index:    index,
		hostname: hostname,
		port:     port,
		addr:     net.JoinHostPort(hostname, port),
		fd:       -1,
		state:    stateUnresolved,
		logger:   c.logger.With("server", net.JoinHostPort(hostname, port)),
	}
}

// beginConnect drives UNRESOLVED → RESOLVING → CONNECTING → (AUTHENTICATING|READY).
// DNS resolution and the per-candidate connect attempt are both
// synchronous here: Go exposes no portable non-blocking connect
// primitive outside raw syscalls, the same limitation spec.md §9 notes
// for DNS, so this implementation documents and accepts it for connect
// too rather than faithfully modeling IN_PROGRESS/EISCONN. See
// DESIGN.md.
func (s *Server) beginConnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateResolving
	if s.quad == nil {
		quad, err := s.client.bufferPool.AcquireQuad(ctx)
		if err != nil {
			s.fail(NetworkError, err)
			return
		}
		s.quad = quad
		s.input, s.output, s.pending = quad.Input, quad.Output, quad.Pending
	}

	addrs, err := s.client.resolveHost(ctx, s.hostname, s.port)
	if err != nil || len(addrs) == 0 {
		s.fail(NetworkError, err)
		return
	}
	s.candidates = addrs
	s.cursor = 0
	s.state = stateConnecting
	s.connectNextCandidate(ctx)
}

func (s *Server) connectNextCandidate(ctx context.Context) {
	if !s.client.allowReconnect(s.addr) {
		s.fail(NetworkError, fmt.Errorf("circuit breaker open for %s", s.addr))
		return
	}
	for s.cursor < len(s.candidates) {
		candidate := s.candidates[s.cursor]
		s.stats.recordReconnectAttempt()
		conn, err := s.client.dial(ctx, "tcp", candidate)
		if err != nil {
			s.logger.Debug("connect candidate failed", "addr", candidate, "err", err)
			s.client.recordReconnectFailure(s.addr, err)
			s.cursor++
			continue
		}
		s.client.recordReconnectSuccess(s.addr)
		s.conn = conn
		s.fd = s.client.loop.Register(conn)
		s.onConnected(ctx)
		return
	}
	s.fail(NetworkError, fmt.Errorf("no reachable address for %s", s.addr))
}

func (s *Server) onConnected(ctx context.Context) {
	ok := false
	if cfg := s.client.resolver.Config(); cfg != nil {
		_, _, ok = cfg.Credentials()
	}
	if !ok {
		s.becomeReady()
		return
	}
	s.state = stateAuthenticating
	s.saslStage = saslAwaitMechs
	s.armHandler()
	pkt := memdx.EncodeSASLListMechs(s.client.nextOpaque())
	s.writeRaw(memdx.EncodeRequest(pkt))
}

// becomeReady finishes the CONNECTING/AUTHENTICATING → READY
// transition: pending is appended to output atomically and write
// interest is armed, per spec.md §4.3.
func (s *Server) becomeReady() {
	s.state = stateReady
	if s.pending.Len() > 0 {
		s.output.Append(s.pending.Bytes())
		s.pending.Reset()
	}
	if len(s.pendingCmdLog) > 0 {
		s.cmdLog = append(s.cmdLog, s.pendingCmdLog...)
		s.pendingCmdLog = nil
	}
	s.armHandler()
}

func (s *Server) armHandler() {
	interest := event.InterestRead
	if s.output.Len() > 0 {
		interest |= event.InterestWrite
	}
	s.client.loop.UpdateEvent(s.fd, interest, s.onReady)
}

// onReady is the single Handler registered with the event Adapter for
// this Server's connection. The Adapter has already read any available
// bytes into data — this Handler must never call conn.Read itself.
func (s *Server) onReady(ready event.Interest, data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.fail(NetworkError, err)
		return
	}
	if ready&event.InterestRead != 0 {
		s.onReadable(data)
	}
	if s.state == stateClosed {
		return
	}
	if ready&event.InterestWrite != 0 {
		s.onWritable()
	}
	if s.state != stateClosed {
		s.armHandler()
	}
}

func (s *Server) onReadable(data []byte) {
	s.input.Append(data)
	s.stats.recordRead(len(data))
	for {
		pkt, consumed, err := memdx.TryDecode(s.input.Bytes())
		if err != nil {
			s.fail(ProtocolError, err)
			return
		}
		if pkt == nil {
			return
		}
		s.input.Consume(consumed)
		s.stats.recordResponseReceived()
		s.dispatch(pkt)
		if s.state == stateClosed {
			return
		}
	}
}

func (s *Server) onWritable() {
	if s.output.Len() == 0 {
		return
	}
	n, err := s.conn.Write(s.output.Bytes())
	if n > 0 {
		s.output.Consume(n)
		s.stats.recordWrite(n)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.fail(NetworkError, err)
	}
}

func (s *Server) dispatch(pkt *memdx.Packet) {
	if s.state == stateAuthenticating {
		s.dispatchSASL(pkt)
		return
	}
	switch pkt.OpCode {
	case memdx.OpTapMutation, memdx.OpTapDelete:
		// A stream push, not an answer to any logged request: it
		// reuses TAP_CONNECT's opaque for the life of the stream, so
		// matching it against cmd_log by opaque would either repeatedly
		// hit the still-open TAP_CONNECT entry or, once that entry is
		// gone, find nothing and look like a protocol violation.
		s.dispatchTapMutation(pkt)
		return
	case memdx.OpTapOpaque, memdx.OpTapFlush:
		return
	}
	s.purgeUpTo(pkt.Opaque)
	if len(s.cmdLog) == 0 || s.cmdLog[0].opaque != pkt.Opaque {
		s.fail(ProtocolError, fmt.Errorf("response opaque %d has no matching request", pkt.Opaque))
		return
	}
	entry := s.cmdLog[0]
	s.cmdLog = s.cmdLog[1:]
	s.dispatchReal(entry, pkt)
}

// purgeUpTo implements spec.md §4.3's implicit-response rule: every
// entry with an opaque strictly less than R must have been answered
// implicitly by the server's silence, and is purged with a synthetic
// callback; a non-quiet entry found in the gap is a protocol violation.
func (s *Server) purgeUpTo(r uint32) {
	purged := 0
	for len(s.cmdLog) > 0 && s.cmdLog[0].opaque < r {
		entry := s.cmdLog[0]
		if !entry.quiet {
			s.fail(ProtocolError, fmt.Errorf("non-quiet opcode %s (opaque %d) found in purge gap before %d", entry.opcode, entry.opaque, r))
			return
		}
		s.cmdLog = s.cmdLog[1:]
		s.synthesize(entry)
		purged++
	}
	if purged > 0 {
		s.stats.recordPurge(purged)
	}
}

// synthesize delivers the synthetic callback for one purged or
// cancelled entry. The opcode's quiet variant never carries a Get hit
// (a quiet Get only ever answers on miss-by-silence or is answered for
// real before it can be purged), so every kind synthesizes the same
// way regardless of which quiet/non-quiet opcode variant was sent.
func (s *Server) synthesize(entry cmdLogEntry) {
	switch entry.kind {
	case kindGet:
		s.client.stats.recordGet(false)
		if cb := s.client.callbacks.Get; cb != nil {
			cb(s.client, NewError(KeyENoent, nil), entry.key, nil, 0, 0)
		}
	case kindStore:
		if cb := s.client.callbacks.Store; cb != nil {
			cb(s.client, nil, entry.key, 0)
		}
	case kindRemove:
		if cb := s.client.callbacks.Remove; cb != nil {
			cb(s.client, nil, entry.key)
		}
	case kindArithmetic:
		if cb := s.client.callbacks.Arithmetic; cb != nil {
			cb(s.client, nil, entry.key, 0, 0)
		}
	case kindDiagnostic:
		if entry.diag != nil {
			entry.diag(s.client, nil, "")
		}
	case kindTap:
		// The stream just stops; nothing was ever promised per-mutation,
		// so there is nothing to deliver here.
	}
}

// dispatchTapMutation delivers one TAP_MUTATION/TAP_DELETE push to
// Callbacks.Tap. These frames never touch cmd_log: a TAP stream has no
// per-item request/response pairing, only the one TAP_CONNECT entry
// that stays logged for the life of the stream (see Client.TapCluster's
// doc comment).
func (s *Server) dispatchTapMutation(pkt *memdx.Packet) {
	cb := s.client.callbacks.Tap
	if cb == nil {
		return
	}
	var flags, expiration uint32
	if pkt.OpCode == memdx.OpTapMutation {
		flags, expiration, _ = memdx.TapMutationExtras(pkt)
	}
	cb(s.client, pkt.Key, pkt.Value, flags, expiration, pkt.CAS, pkt.VBucket)
}

func (s *Server) dispatchReal(entry cmdLogEntry, pkt *memdx.Packet) {
	kind := statusToErrorKind(pkt.Status)
	var errVal error
	if kind != Success {
		errVal = NewError(kind, nil)
	}
	if kind != Success && kind != KeyENoent && entry.kind != kindTap && entry.kind != kindDiagnostic {
		s.client.stats.recordError()
	}
	switch entry.kind {
	case kindGet:
		var flags uint32
		if kind == Success {
			flags, _ = memdx.GetFlags(pkt)
		}
		s.client.stats.recordGet(kind == Success)
		if cb := s.client.callbacks.Get; cb != nil {
			cb(s.client, errVal, entry.key, pkt.Value, flags, pkt.CAS)
		}
	case kindStore:
		if cb := s.client.callbacks.Store; cb != nil {
			cb(s.client, errVal, entry.key, pkt.CAS)
		}
	case kindArithmetic:
		var value uint64
		if kind == Success {
			value, _ = memdx.ArithmeticValue(pkt)
		}
		if cb := s.client.callbacks.Arithmetic; cb != nil {
			cb(s.client, errVal, entry.key, value, pkt.CAS)
		}
	case kindRemove:
		if cb := s.client.callbacks.Remove; cb != nil {
			cb(s.client, errVal, entry.key)
		}
	case kindDiagnostic:
		if entry.diag != nil {
			entry.diag(s.client, errVal, string(pkt.Value))
		}
	case kindTap:
		// A TAP_CONNECT ack, if the node bothers to send one at all; the
		// common case is no explicit ack and the mutation stream simply
		// starts. Only a rejection is worth surfacing.
		if kind != Success {
			if cb := s.client.callbacks.Error; cb != nil {
				cb(s.client, errVal, fmt.Sprintf("tap connect rejected on %s", s.addr))
			}
		}
	}
}

func (s *Server) dispatchSASL(pkt *memdx.Packet) {
	switch s.saslStage {
	case saslAwaitMechs:
		mech, err := sasl.Negotiate(string(pkt.Value), s.client.cfg.User, s.client.cfg.Pass)
		if err != nil {
			s.fail(AuthError, err)
			return
		}
		s.saslMech = mech
		s.saslName = mech.Name()
		initial, err := mech.Start()
		if err != nil {
			s.fail(AuthError, err)
			return
		}
		s.saslStage = saslAwaitAuth
		req := memdx.EncodeSASLAuth(s.saslName, initial, s.client.nextOpaque())
		s.writeRaw(memdx.EncodeRequest(req))
	case saslAwaitAuth, saslAwaitStep:
		switch pkt.Status {
		case memdx.StatusSuccess:
			s.becomeReady()
		case memdx.StatusAuthContinue:
			response, done, err := s.saslMech.Step(pkt.Value)
			if err != nil {
				s.fail(AuthError, err)
				return
			}
			if done && response == nil {
				s.becomeReady()
				return
			}
			s.saslStage = saslAwaitStep
			req := memdx.EncodeSASLStep(s.saslName, response, s.client.nextOpaque())
			s.writeRaw(memdx.EncodeRequest(req))
		default:
			s.fail(AuthError, fmt.Errorf("sasl rejected: %s", pkt.Status))
		}
	}
}

// writeRaw appends pre-encoded bytes to output (if READY or
// AUTHENTICATING) or pending (otherwise), and arms write-readiness. Used directly by the
// AUTHENTICATING exchange, which never goes through the cmd_log.
func (s *Server) writeRaw(encoded []byte) {
	if s.state == stateReady || s.state == stateAuthenticating {
		s.output.Append(encoded)
	} else {
		s.pending.Append(encoded)
	}
	if s.fd >= 0 {
		s.armHandler()
	}
}

// enqueue appends an encoded request and records its cmd_log entry.
// Bytes land in output when the Server is already READY; otherwise
// they accumulate in pending and the cmd_log entry is deferred until
// becomeReady migrates pending into output, preserving "connected ==
// false ⇒ output.avail == 0".
func (s *Server) enqueue(pkt *memdx.Packet, quiet bool, kind opKind, diag DiagnosticCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.filter != nil && !s.client.filter(pkt) {
		return
	}
	entry := cmdLogEntry{opaque: pkt.Opaque, opcode: pkt.OpCode, quiet: quiet, kind: kind, key: append([]byte(nil), pkt.Key...), diag: diag}
	encoded := memdx.EncodeRequest(pkt)
	if s.state == stateReady {
		s.output.Append(encoded)
		s.cmdLog = append(s.cmdLog, entry)
		s.armHandler()
	} else {
		s.pending.Append(encoded)
		s.pendingCmdLog = append(s.pendingCmdLog, entry)
	}
	s.stats.recordRequestSent()
}

// fail transitions the Server to CLOSED, reports kind once through the
// Error callback, fails every in-flight request on this server (both
// cmd_log and the pre-READY pending log) through its own family
// callback, and releases resources. Per spec.md §7, exhaustion of
// connect candidates and SASL failure are both reported this way.
func (s *Server) fail(kind ErrorKind, cause error) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.fd >= 0 {
		s.client.loop.Deregister(s.fd)
		s.fd = -1
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	err := NewError(kind, cause)
	if cb := s.client.callbacks.Error; cb != nil {
		cb(s.client, err, fmt.Sprintf("server %s", s.addr))
	}
	for _, entry := range s.cmdLog {
		s.failEntry(entry, err)
	}
	s.cmdLog = nil
	for _, entry := range s.pendingCmdLog {
		s.failEntry(entry, err)
	}
	s.pendingCmdLog = nil
	if s.quad != nil {
		s.quad.Release()
		s.quad = nil
	}
}

func (s *Server) failEntry(entry cmdLogEntry, err error) {
	if entry.kind != kindTap && entry.kind != kindDiagnostic {
		s.client.stats.recordError()
	}
	switch entry.kind {
	case kindGet:
		s.client.stats.recordGet(false)
		if cb := s.client.callbacks.Get; cb != nil {
			cb(s.client, err, entry.key, nil, 0, 0)
		}
	case kindStore:
		if cb := s.client.callbacks.Store; cb != nil {
			cb(s.client, err, entry.key, 0)
		}
	case kindArithmetic:
		if cb := s.client.callbacks.Arithmetic; cb != nil {
			cb(s.client, err, entry.key, 0, 0)
		}
	case kindRemove:
		if cb := s.client.callbacks.Remove; cb != nil {
			cb(s.client, err, entry.key)
		}
	case kindDiagnostic:
		if entry.diag != nil {
			entry.diag(s.client, err, "")
		}
	case kindTap:
		// fail already delivered one Error callback for the whole
		// server; a TAP stream has no separate per-entry callback to
		// fire.
	}
}

// inFlight reports how many requests this server still owes a callback
// for, including bytes still sitting in pending pre-READY, per
// Execute's drain condition in spec.md §4.4.
func (s *Server) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cmdLog) + len(s.pendingCmdLog)
}

// isClosed reports whether this Server has already torn down.
func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

// destroy tears this Server down: every outstanding request gets a
// synthetic callback via purgeAll, then the connection and pooled
// buffers are released. Idempotent — a Server that already failed or
// was already destroyed is left alone.
func (s *Server) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	s.purgeAll()
	if s.fd >= 0 {
		s.client.loop.Deregister(s.fd)
		s.fd = -1
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.quad != nil {
		s.quad.Release()
		s.quad = nil
	}
	s.state = stateClosed
}

// purgeAll is the destroy()-time purge: every outstanding request,
// quiet or not, is completed with a synthetic callback, per spec.md
// §4.3's teardown clause and §5's "exactly one callback per request"
// invariant. Unlike purgeUpTo, a non-quiet entry here is not a
// protocol violation — destroy() is explicitly allowed to cancel
// whatever is still in flight, so this walks cmd_log directly instead
// of routing through the response-driven purge rule.
func (s *Server) purgeAll() {
	for _, entry := range s.cmdLog {
		s.synthesize(entry)
	}
	s.cmdLog = nil
	for _, entry := range s.pendingCmdLog {
		s.synthesize(entry)
	}
	s.pendingCmdLog = nil
}
