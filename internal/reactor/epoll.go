//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// EpollReactor is the default Submitter backend: a level-triggered epoll
// event loop over golang.org/x/sys/unix syscalls. It requires no CGO and
// no io_uring-capable kernel, making it the right default for a
// networking substrate that must also run in restricted containers.
//
// A small syscall-level implementation sitting underneath the same
// interface as the "real" ring backend, but using epoll rather than
// hand-rolled io_uring syscalls.
type EpollReactor struct {
	epfd   int
	states map[int]*fdState
}

type fdState struct {
	fd int

	acceptComp *Completion
	acceptCB   AcceptCallback

	connectComp *Completion
	connectCB   ConnectCallback
	connectAddr unix.Sockaddr

	recvComp *Completion
	recvBuf  []byte
	recvCB   IOCallback

	sendComp *Completion
	sendBuf  []byte
	sendCB   IOCallback
}

func (s *fdState) interestIn() bool  { return s.acceptComp != nil || s.recvComp != nil }
func (s *fdState) interestOut() bool { return s.connectComp != nil || s.sendComp != nil }
func (s *fdState) empty() bool       { return !s.interestIn() && !s.interestOut() }

// NewEpollReactor creates a reactor backed by a fresh epoll instance.
func NewEpollReactor() (*EpollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollReactor{epfd: epfd, states: make(map[int]*fdState)}, nil
}

func (r *EpollReactor) stateFor(fd int) *fdState {
	s, ok := r.states[fd]
	if !ok {
		s = &fdState{fd: fd}
		r.states[fd] = s
	}
	return s
}

func (r *EpollReactor) updateInterest(s *fdState, wasRegistered bool) error {
	if s.empty() {
		if wasRegistered {
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
		}
		delete(r.states, s.fd)
		return nil
	}

	var events uint32
	if s.interestIn() {
		events |= unix.EPOLLIN
	}
	if s.interestOut() {
		events |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(s.fd)}

	op := unix.EPOLL_CTL_MOD
	if !wasRegistered {
		op = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(r.epfd, op, s.fd, ev)
}

func (r *EpollReactor) Accept(c *Completion, listenFD int, cb AcceptCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	s := r.stateFor(listenFD)
	wasRegistered := s.interestIn() || s.interestOut()
	s.acceptComp, s.acceptCB = c, cb
	return r.updateInterest(s, wasRegistered)
}

func (r *EpollReactor) Connect(c *Completion, fd int, addr unix.Sockaddr, cb ConnectCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	err := unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		c.disarm()
		cb(err)
		return nil
	}
	s := r.stateFor(fd)
	wasRegistered := s.interestIn() || s.interestOut()
	s.connectComp, s.connectCB, s.connectAddr = c, cb, addr
	return r.updateInterest(s, wasRegistered)
}

func (r *EpollReactor) Recv(c *Completion, fd int, buf []byte, cb IOCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	s := r.stateFor(fd)
	wasRegistered := s.interestIn() || s.interestOut()
	s.recvComp, s.recvBuf, s.recvCB = c, buf, cb
	return r.updateInterest(s, wasRegistered)
}

func (r *EpollReactor) Send(c *Completion, fd int, buf []byte, cb IOCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	s := r.stateFor(fd)
	wasRegistered := s.interestIn() || s.interestOut()
	s.sendComp, s.sendBuf, s.sendCB = c, buf, cb
	return r.updateInterest(s, wasRegistered)
}

func (r *EpollReactor) Close(c *Completion, fd int, cb CloseCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	if s, ok := r.states[fd]; ok {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(r.states, fd)
		_ = s
	}
	err := unix.Close(fd)
	c.disarm()
	cb(err)
	return nil
}

// Poll waits for ready completions and dispatches every one that is
// ready, performing the actual syscall inline (recv/send/accept are
// non-blocking by the time epoll reports readiness).
func (r *EpollReactor) Poll(timeout time.Duration) (int, error) {
	var events [64]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	n, err := unix.EpollWait(r.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		s, ok := r.states[fd]
		if !ok {
			continue
		}
		readable := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
		writable := events[i].Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0

		if readable && s.acceptComp != nil {
			r.dispatchAccept(s)
			dispatched++
		}
		if readable && s.recvComp != nil {
			r.dispatchRecv(s)
			dispatched++
		}
		if writable && s.connectComp != nil {
			r.dispatchConnect(s)
			dispatched++
		}
		if writable && s.sendComp != nil {
			r.dispatchSend(s)
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatchAccept performs the accept(2) syscall now that epoll reports the
// listening socket readable. A spurious EAGAIN (another reader drained the
// backlog first) leaves the completion armed for the next Poll rather than
// firing a callback, since no operation actually completed.
func (r *EpollReactor) dispatchAccept(s *fdState) {
	fd, _, err := unix.Accept(s.fd)
	if err == unix.EAGAIN {
		return
	}

	comp, cb := s.acceptComp, s.acceptCB
	s.acceptComp, s.acceptCB = nil, nil
	_ = r.updateInterest(s, true)
	comp.disarm()
	cb(fd, err)
}

func (r *EpollReactor) dispatchConnect(s *fdState) {
	errno, sockErr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)

	comp, cb := s.connectComp, s.connectCB
	s.connectComp, s.connectCB, s.connectAddr = nil, nil, nil
	_ = r.updateInterest(s, true)
	comp.disarm()

	if sockErr != nil {
		cb(sockErr)
		return
	}
	if errno != 0 {
		cb(unix.Errno(errno))
		return
	}
	cb(nil)
}

func (r *EpollReactor) dispatchRecv(s *fdState) {
	n, err := unix.Read(s.fd, s.recvBuf)
	if err == unix.EAGAIN {
		return
	}

	comp, cb := s.recvComp, s.recvCB
	s.recvComp, s.recvBuf, s.recvCB = nil, nil, nil
	_ = r.updateInterest(s, true)
	comp.disarm()

	if n < 0 {
		n = 0
	}
	cb(n, err)
}

func (r *EpollReactor) dispatchSend(s *fdState) {
	n, err := unix.Write(s.fd, s.sendBuf)
	if err == unix.EAGAIN {
		return
	}

	comp, cb := s.sendComp, s.sendCB
	s.sendComp, s.sendBuf, s.sendCB = nil, nil, nil
	_ = r.updateInterest(s, true)
	comp.disarm()

	if n < 0 {
		n = 0
	}
	cb(n, err)
}

// Shutdown closes the epoll fd itself.
func (r *EpollReactor) Shutdown() error {
	return unix.Close(r.epfd)
}
