// Package event is the thin shim spec.md §1 and §4.5 call the event
// loop primitive: an external collaborator exposing register/deregister
// of file-descriptor readiness callbacks and timers. The core (Client,
// Server) depends only on the Adapter interface in this file; Loop
// below is one concrete, swappable implementation.
package event

import (
	"net"
	"time"
)

// Interest is a bitmask of readiness conditions a caller wants to be
// notified about.
type Interest uint8

const (
	InterestRead  Interest = 1 << 0
	InterestWrite Interest = 1 << 1
)

// Handler is invoked with the subset of interest that is currently
// ready. When ready includes InterestRead, data carries the bytes the
// Adapter has already consumed from the socket on the handler's
// behalf — this Adapter is the sole reader of any registered
// connection, so a Handler must never read the connection itself. err
// reports a read or connection-level failure (EOF, reset); the Adapter
// does not remove the registration itself, so the Handler's owner
// calls Deregister.
type Handler func(ready Interest, data []byte, err error)

// Adapter exposes fd-readiness registration and one-shot timers. An
// implementation must guarantee a Handler is called exactly when any of
// its subscribed conditions are satisfied; no ordering between distinct
// fds is required, per spec.md §4.5.
type Adapter interface {
	// Register associates conn with a new fd handle the rest of the
	// Adapter interface operates on. It performs no I/O by itself.
	Register(conn net.Conn) int

	// UpdateEvent (re)registers handler for the union of interests on
	// fd. Idempotent: calling it again for the same fd replaces the
	// prior registration.
	UpdateEvent(fd int, interest Interest, handler Handler)

	// Deregister removes any registration for fd and releases the
	// association created by Register.
	Deregister(fd int)

	// AfterFunc schedules fn to run once after d elapses, returning a
	// handle that can cancel it.
	AfterFunc(d time.Duration, fn func()) Timer

	// Run drives the loop until Stop is called.
	Run()

	// Stop causes a running Run to return.
	Stop()
}

// Timer cancels a scheduled AfterFunc callback.
type Timer interface {
	Stop()
}
