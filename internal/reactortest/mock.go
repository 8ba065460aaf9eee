// Package reactortest provides a deterministic, synchronous stand-in for
// reactor.Submitter so Connection and MessageBus can be unit tested without
// a real socket or kernel completion queue: a single struct implementing
// the real interface, recording every call for assertions, with
// test-driven completion and error injection in place of a live kernel.
package reactortest

import (
	"sync"
	"time"

	"github.com/vrproto/bus/internal/reactor"
	"golang.org/x/sys/unix"
)

type pendingAccept struct {
	comp *reactor.Completion
	cb   reactor.AcceptCallback
}

type pendingConnect struct {
	comp *reactor.Completion
	cb   reactor.ConnectCallback
	addr unix.Sockaddr
}

type pendingRecv struct {
	comp *reactor.Completion
	buf  []byte
	cb   reactor.IOCallback
}

type pendingSend struct {
	comp *reactor.Completion
	buf  []byte
	cb   reactor.IOCallback
}

// MockSubmitter implements reactor.Submitter with no real I/O: every
// Accept/Connect/Recv/Send call is recorded and left outstanding until the
// test calls the matching Complete* method. This mirrors the single
// outstanding-operation-per-Completion contract of the real backends while
// giving tests full control over when and how each operation finishes.
type MockSubmitter struct {
	mu sync.Mutex

	accepts  map[int]*pendingAccept
	connects map[int]*pendingConnect
	recvs    map[int]*pendingRecv
	sends    map[int]*pendingSend
	closed   []int

	AcceptCalls  int
	ConnectCalls int
	RecvCalls    int
	SendCalls    int
	CloseCalls   int
	PollCalls    int

	nextFD int
}

// NewMockSubmitter creates an empty mock, with synthetic fds counting up
// from 1001 to stay clear of real fd ranges in tests that mix the two.
func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{
		accepts:  make(map[int]*pendingAccept),
		connects: make(map[int]*pendingConnect),
		recvs:    make(map[int]*pendingRecv),
		sends:    make(map[int]*pendingSend),
		nextFD:   1000,
	}
}

// NextFD returns a fresh synthetic fd for use as a connect/accept result.
func (m *MockSubmitter) NextFD() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFD++
	return m.nextFD
}

func (m *MockSubmitter) Accept(c *reactor.Completion, listenFD int, cb reactor.AcceptCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Armed() {
		return reactor.ErrAlreadyArmed
	}
	m.AcceptCalls++
	_ = c.Arm()
	m.accepts[listenFD] = &pendingAccept{comp: c, cb: cb}
	return nil
}

func (m *MockSubmitter) Connect(c *reactor.Completion, fd int, addr unix.Sockaddr, cb reactor.ConnectCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Armed() {
		return reactor.ErrAlreadyArmed
	}
	m.ConnectCalls++
	_ = c.Arm()
	m.connects[fd] = &pendingConnect{comp: c, cb: cb, addr: addr}
	return nil
}

func (m *MockSubmitter) Recv(c *reactor.Completion, fd int, buf []byte, cb reactor.IOCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Armed() {
		return reactor.ErrAlreadyArmed
	}
	m.RecvCalls++
	_ = c.Arm()
	m.recvs[fd] = &pendingRecv{comp: c, buf: buf, cb: cb}
	return nil
}

func (m *MockSubmitter) Send(c *reactor.Completion, fd int, buf []byte, cb reactor.IOCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Armed() {
		return reactor.ErrAlreadyArmed
	}
	m.SendCalls++
	_ = c.Arm()
	m.sends[fd] = &pendingSend{comp: c, buf: buf, cb: cb}
	return nil
}

func (m *MockSubmitter) Close(c *reactor.Completion, fd int, cb reactor.CloseCallback) error {
	m.mu.Lock()
	m.CloseCalls++
	m.closed = append(m.closed, fd)
	m.mu.Unlock()
	c.Disarm()
	cb(nil)
	return nil
}

// Poll is a no-op: all completions here are fired directly by the test
// calling a Complete* method, never discovered by polling.
func (m *MockSubmitter) Poll(_ time.Duration) (int, error) {
	m.mu.Lock()
	m.PollCalls++
	m.mu.Unlock()
	return 0, nil
}

func (m *MockSubmitter) Shutdown() error { return nil }

// ClosedFDs returns every fd passed to Close, in call order.
func (m *MockSubmitter) ClosedFDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.closed))
	copy(out, m.closed)
	return out
}

// CompleteAccept fires the outstanding Accept on listenFD with the given
// accepted fd and error, clearing the pending entry.
func (m *MockSubmitter) CompleteAccept(listenFD int, acceptedFD int, err error) {
	m.mu.Lock()
	p, ok := m.accepts[listenFD]
	if ok {
		delete(m.accepts, listenFD)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.comp.Disarm()
	p.cb(acceptedFD, err)
}

// CompleteConnect fires the outstanding Connect on fd.
func (m *MockSubmitter) CompleteConnect(fd int, err error) {
	m.mu.Lock()
	p, ok := m.connects[fd]
	if ok {
		delete(m.connects, fd)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.comp.Disarm()
	p.cb(err)
}

// CompleteRecv fires the outstanding Recv on fd, copying data into the
// caller-supplied buffer (truncated to its length).
func (m *MockSubmitter) CompleteRecv(fd int, data []byte, err error) {
	m.mu.Lock()
	p, ok := m.recvs[fd]
	if ok {
		delete(m.recvs, fd)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	n := copy(p.buf, data)
	p.comp.Disarm()
	p.cb(n, err)
}

// CompleteSend fires the outstanding Send on fd, reporting n bytes sent.
func (m *MockSubmitter) CompleteSend(fd int, n int, err error) {
	m.mu.Lock()
	p, ok := m.sends[fd]
	if ok {
		delete(m.sends, fd)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.comp.Disarm()
	p.cb(n, err)
}

// HasPendingRecv reports whether fd has an outstanding Recv.
func (m *MockSubmitter) HasPendingRecv(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recvs[fd]
	return ok
}

// HasPendingSend reports whether fd has an outstanding Send.
func (m *MockSubmitter) HasPendingSend(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sends[fd]
	return ok
}

// PendingSendBuf returns the buffer passed to the outstanding Send on fd,
// or nil if there isn't one.
func (m *MockSubmitter) PendingSendBuf(fd int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sends[fd]
	if !ok {
		return nil
	}
	return p.buf
}
