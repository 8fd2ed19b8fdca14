package libcouchbase

import (
	"fmt"

	"github.com/pierrejoye/libcouchbase/memdx"
)

// ErrorKind enumerates the error conditions the core reports to
// callbacks and to Execute/Connect callers.
type ErrorKind uint8

const (
	Success ErrorKind = iota
	AuthContinue
	AuthError
	DeltaBadVal
	E2Big
	ENoMem
	KeyEExists
	KeyENoent
	NetworkError
	NotMyVBucket
	NotStored
	ProtocolError
)

var errorKindNames = map[ErrorKind]string{
	Success:      "SUCCESS",
	AuthContinue: "AUTH_CONTINUE",
	AuthError:    "AUTH_ERROR",
	DeltaBadVal:  "DELTA_BADVAL",
	E2Big:        "E2BIG",
	ENoMem:       "ENOMEM",
	KeyEExists:   "KEY_EEXISTS",
	KeyENoent:    "KEY_ENOENT",
	NetworkError: "NETWORK_ERROR",
	NotMyVBucket: "NOT_MY_VBUCKET",
	NotStored:    "NOT_STORED",
	ProtocolError: "PROTOCOL_ERROR",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// ShouldCloseConnection reports whether a Server encountering this
// error kind must close its connection rather than keep operating on
// it, per spec.md §7's propagation rules.
func (k ErrorKind) ShouldCloseConnection() bool {
	switch k {
	case NetworkError, ProtocolError, AuthError:
		return true
	default:
		return false
	}
}

// Error wraps an ErrorKind with an optional underlying cause, following
// the teacher's practice of carrying a connection-affecting classifier
// alongside the Go error chain.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// NewError constructs an *Error of the given kind wrapping cause, which
// may be nil.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// statusToErrorKind maps a wire status code to the ErrorKind a
// callback is invoked with.
func statusToErrorKind(status memdx.Status) ErrorKind {
	switch status {
	case memdx.StatusSuccess:
		return Success
	case memdx.StatusKeyNotFound:
		return KeyENoent
	case memdx.StatusKeyExists:
		return KeyEExists
	case memdx.StatusTooBig:
		return E2Big
	case memdx.StatusNotStored:
		return NotStored
	case memdx.StatusDeltaBadVal:
		return DeltaBadVal
	case memdx.StatusNotMyVBucket:
		return NotMyVBucket
	case memdx.StatusAuthError:
		return AuthError
	case memdx.StatusAuthContinue:
		return AuthContinue
	case memdx.StatusOutOfMemory:
		return ENoMem
	default:
		return ProtocolError
	}
}

// GetCallback is invoked once per GET/GETQ/GETK request, including
// synthetic misses purged from the quiet-command gap.
type GetCallback func(c *Client, err error, key []byte, value []byte, flags uint32, cas uint64)

// StoreCallback is invoked once per SET/ADD/REPLACE/APPEND/PREPEND.
type StoreCallback func(c *Client, err error, key []byte, cas uint64)

// ArithmeticCallback is invoked once per INCREMENT/DECREMENT.
type ArithmeticCallback func(c *Client, err error, key []byte, value uint64, cas uint64)

// RemoveCallback is invoked once per DELETE.
type RemoveCallback func(c *Client, err error, key []byte)

// TapMutationCallback is invoked for every mutation a TAP stream
// pushes.
type TapMutationCallback func(c *Client, key []byte, data []byte, flags uint32, expiration uint32, cas uint64, vbucket uint16)

// ErrorCallback is invoked for Server-level failures that are not tied
// to a single in-flight request, e.g. exhausted connect candidates or
// a rejected SASL exchange.
type ErrorCallback func(c *Client, err error, info string)

// Callbacks is the table installed via Client.SetCallbacks.
type Callbacks struct {
	Get        GetCallback
	Store      StoreCallback
	Arithmetic ArithmeticCallback
	Remove     RemoveCallback
	Tap        TapMutationCallback
	Error      ErrorCallback
}

// PacketFilter is an optional predicate applied to every outgoing
// packet. Returning false silently drops the packet without ever
// delivering a callback for it — preserved from spec.md §9 even though
// that makes it user-hostile by construction.
type PacketFilter func(pkt *memdx.Packet) bool
