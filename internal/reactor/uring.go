//go:build linux_uring

package reactor

import (
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// UringReactor is the optional real io_uring backend, built only with the
// linux_uring build tag on top of github.com/pawelgaczynski/giouring.
// Operations are single-shot: one SQE submitted per Accept/Connect/Recv/
// Send/Close call, keyed by a user_data token so the completion queue can
// route each CQE back to its callback, mirroring the prepare/callbacks
// split used for the multishot accept/recv loop this backend is grounded
// on.
type UringReactor struct {
	ring      *giouring.Ring
	callbacks map[uint64]func(res int32, err error)
	nextToken uint64
	pending   []func(sqe *giouring.SubmissionQueueEntry)
}

const defaultRingEntries = 1024

// NewUringReactor creates a reactor backed by a freshly allocated io_uring
// instance with defaultRingEntries submission slots.
func NewUringReactor() (*UringReactor, error) {
	ring, err := giouring.CreateRing(defaultRingEntries)
	if err != nil {
		return nil, err
	}
	return &UringReactor{
		ring:      ring,
		callbacks: make(map[uint64]func(res int32, err error)),
	}, nil
}

func (r *UringReactor) token() uint64 {
	return atomic.AddUint64(&r.nextToken, 1)
}

func (r *UringReactor) prepare(op func(sqe *giouring.SubmissionQueueEntry)) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		r.pending = append(r.pending, op)
		return
	}
	op(sqe)
}

func (r *UringReactor) preparePending() {
	prepared := 0
	for _, op := range r.pending {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		prepared++
	}
	r.pending = r.pending[prepared:]
}

// sockaddrToRaw renders a unix.Sockaddr into the raw bytes the kernel
// expects for connect(2), since PrepareConnect takes a bare pointer+length
// rather than a typed Sockaddr.
func sockaddrToRaw(addr unix.Sockaddr) ([]byte, int, error) {
	switch a := addr.(type) {
	case *unix.SockaddrInet4:
		var raw unix.RawSockaddrInet4
		raw.Family = unix.AF_INET
		raw.Port[0] = byte(a.Port >> 8)
		raw.Port[1] = byte(a.Port)
		copy(raw.Addr[:], a.Addr[:])
		buf := (*[unsafe.Sizeof(raw)]byte)(unsafe.Pointer(&raw))[:]
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, len(out), nil
	case *unix.SockaddrInet6:
		var raw unix.RawSockaddrInet6
		raw.Family = unix.AF_INET6
		raw.Port[0] = byte(a.Port >> 8)
		raw.Port[1] = byte(a.Port)
		raw.Scope_id = a.ZoneId
		copy(raw.Addr[:], a.Addr[:])
		buf := (*[unsafe.Sizeof(raw)]byte)(unsafe.Pointer(&raw))[:]
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, len(out), nil
	default:
		return nil, 0, unix.EAFNOSUPPORT
	}
}

func cqeError(res int32) error {
	if res > -4096 && res < 0 {
		return syscall.Errno(-res)
	}
	return nil
}

func (r *UringReactor) Accept(c *Completion, listenFD int, cb AcceptCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	tok := r.token()
	r.callbacks[tok] = func(res int32, err error) {
		c.disarm()
		if err != nil {
			cb(-1, err)
			return
		}
		cb(int(res), nil)
	}
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareAccept(listenFD, 0, 0, 0)
		sqe.UserData = tok
	})
	return nil
}

func (r *UringReactor) Connect(c *Completion, fd int, addr unix.Sockaddr, cb ConnectCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	rawAddr, rawLen, err := sockaddrToRaw(addr)
	if err != nil {
		c.disarm()
		return err
	}
	tok := r.token()
	r.callbacks[tok] = func(res int32, err error) {
		c.disarm()
		cb(err)
	}
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(fd, uintptr(unsafe.Pointer(&rawAddr[0])), uint64(rawLen))
		sqe.UserData = tok
	})
	return nil
}

func (r *UringReactor) Recv(c *Completion, fd int, buf []byte, cb IOCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	tok := r.token()
	r.callbacks[tok] = func(res int32, err error) {
		c.disarm()
		if err != nil {
			cb(0, err)
			return
		}
		cb(int(res), nil)
	}
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		if len(buf) == 0 {
			sqe.PrepareRecv(fd, 0, 0, 0)
		} else {
			sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		}
		sqe.UserData = tok
	})
	return nil
}

func (r *UringReactor) Send(c *Completion, fd int, buf []byte, cb IOCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	tok := r.token()
	r.callbacks[tok] = func(res int32, err error) {
		c.disarm()
		if err != nil {
			cb(0, err)
			return
		}
		cb(int(res), nil)
	}
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		if len(buf) == 0 {
			sqe.PrepareSend(fd, 0, 0, 0)
		} else {
			sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		}
		sqe.UserData = tok
	})
	return nil
}

func (r *UringReactor) Close(c *Completion, fd int, cb CloseCallback) error {
	if err := c.arm(); err != nil {
		return err
	}
	tok := r.token()
	r.callbacks[tok] = func(res int32, err error) {
		c.disarm()
		cb(err)
	}
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(fd)
		sqe.UserData = tok
	})
	return nil
}

// Poll submits any queued SQEs, waits for at least one completion (or
// timeout), and dispatches every ready completion's callback.
func (r *UringReactor) Poll(timeout time.Duration) (int, error) {
	if _, err := r.ring.SubmitAndWait(0); err == nil && len(r.pending) > 0 {
		r.preparePending()
		_, _ = r.ring.SubmitAndWait(0)
	}

	ts := syscall.NsecToTimespec(int64(timeout))
	var tsArg *syscall.Timespec
	if timeout >= 0 {
		tsArg = &ts
	}
	if _, err := r.ring.WaitCQEs(1, tsArg, nil); err != nil {
		if err == unix.EINTR || err == unix.ETIME {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	var cqes [128]*giouring.CompletionQueueEvent
	for {
		peeked := r.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:peeked] {
			cb, ok := r.callbacks[cqe.UserData]
			if !ok {
				continue
			}
			delete(r.callbacks, cqe.UserData)
			cb(cqe.Res, cqeError(cqe.Res))
			dispatched++
		}
		r.ring.CQAdvance(peeked)
		if peeked < uint32(len(cqes)) {
			break
		}
	}
	return dispatched, nil
}

// Shutdown tears down the ring itself.
func (r *UringReactor) Shutdown() error {
	r.ring.QueueExit()
	return nil
}
