package event

import (
	"net"
	"time"
)

// FakeLoop is a deterministic Adapter for unit tests: nothing runs on a
// background goroutine, and the Fire* methods deliver readiness synchronously so a
// test can drive a Server through its state machine step by step,
// mirroring the role internal/testutils plays for the teacher's
// connection-pool tests.
type FakeLoop struct {
	regs   map[int]*fakeRegistration
	nextFD int
	timers []func()
}

type fakeRegistration struct {
	conn     net.Conn
	interest Interest
	handler  Handler
}

// NewFakeLoop returns an empty FakeLoop.
func NewFakeLoop() *FakeLoop {
	return &FakeLoop{regs: make(map[int]*fakeRegistration)}
}

func (f *FakeLoop) Register(conn net.Conn) int {
	f.nextFD++
	f.regs[f.nextFD] = &fakeRegistration{conn: conn}
	return f.nextFD
}

func (f *FakeLoop) UpdateEvent(fd int, interest Interest, handler Handler) {
	reg, ok := f.regs[fd]
	if !ok {
		return
	}
	reg.interest = interest
	reg.handler = handler
}

func (f *FakeLoop) Deregister(fd int) {
	delete(f.regs, fd)
}

func (f *FakeLoop) AfterFunc(d time.Duration, fn func()) Timer {
	f.timers = append(f.timers, fn)
	return fakeTimer{}
}

// RunTimers invokes every scheduled AfterFunc callback immediately, in
// registration order, and clears the queue.
func (f *FakeLoop) RunTimers() {
	pending := f.timers
	f.timers = nil
	for _, fn := range pending {
		fn()
	}
}

func (f *FakeLoop) Run()  {}
func (f *FakeLoop) Stop() {}

// Interested reports the interest currently registered for fd, for
// test assertions.
func (f *FakeLoop) Interested(fd int) Interest {
	if reg, ok := f.regs[fd]; ok {
		return reg.interest
	}
	return 0
}

// FireRead synchronously invokes fd's handler as if data arrived with
// no error.
func (f *FakeLoop) FireRead(fd int, data []byte) {
	if reg, ok := f.regs[fd]; ok && reg.handler != nil {
		reg.handler(InterestRead, data, nil)
	}
}

// FireReadError synchronously invokes fd's handler with a read error,
// simulating connection loss.
func (f *FakeLoop) FireReadError(fd int, err error) {
	if reg, ok := f.regs[fd]; ok && reg.handler != nil {
		reg.handler(InterestRead, nil, err)
	}
}

// FireWrite synchronously invokes fd's handler as write-ready.
func (f *FakeLoop) FireWrite(fd int) {
	if reg, ok := f.regs[fd]; ok && reg.handler != nil {
		reg.handler(InterestWrite, nil, nil)
	}
}

type fakeTimer struct{}

func (fakeTimer) Stop() {}
