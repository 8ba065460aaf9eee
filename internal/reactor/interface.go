// Package reactor defines the abstract asynchronous I/O contract the
// message bus consumes (spec.md §4.2): accept/connect/recv/send/close
// submitted against one outstanding slot each, each completion invoking
// exactly one callback. Two concrete backends satisfy Submitter: a
// default epoll-based reactor (always available on Linux, no special
// build tag) and an optional real io_uring backend built on
// github.com/pawelgaczynski/giouring (build tag linux_uring), an
// interface-plus-build-tagged-backend split.
package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyArmed is returned when a caller tries to submit a second
// operation through a Completion that already has one outstanding.
var ErrAlreadyArmed = errors.New("reactor: completion already has an outstanding operation")

// AcceptCallback receives the accepted socket's fd, or an error.
type AcceptCallback func(fd int, err error)

// ConnectCallback reports whether an outbound connect succeeded.
type ConnectCallback func(err error)

// IOCallback reports bytes transferred by a recv or send, or an error. A
// recv result of 0 with a nil error signals an orderly peer close.
type IOCallback func(n int, err error)

// CloseCallback reports whether closing a socket succeeded.
type CloseCallback func(err error)

// Completion represents one submission slot. At most one operation may be
// outstanding through a given Completion at a time; Submitter methods
// return ErrAlreadyArmed if called on an already-armed Completion. The
// armed flag is cleared immediately before the callback fires, so a
// callback may immediately resubmit through the same Completion.
type Completion struct {
	armed bool
}

// Armed reports whether this completion currently has an outstanding
// operation. Connection uses this directly in place of hand-rolled
// "*_submitted" bookkeeping.
func (c *Completion) Armed() bool { return c.armed }

// Arm marks the completion as having an outstanding operation, returning
// ErrAlreadyArmed if one is already in flight. Exported so that Submitter
// implementations living outside this package — notably reactortest's
// mock — can honor the same one-outstanding-operation contract as the
// real backends.
func (c *Completion) Arm() error {
	if c.armed {
		return ErrAlreadyArmed
	}
	c.armed = true
	return nil
}

// Disarm clears the outstanding-operation flag, immediately before the
// corresponding callback fires.
func (c *Completion) Disarm() { c.armed = false }

func (c *Completion) arm() error { return c.Arm() }
func (c *Completion) disarm()    { c.Disarm() }

// Submitter is the abstract asynchronous I/O contract MessageBus and
// Connection depend on. Implementations are single-threaded: Poll must
// only be called from the owning goroutine, and callbacks it invokes run
// synchronously on that same goroutine, serialized with respect to the
// caller's own code (spec.md §5).
type Submitter interface {
	// Accept submits an accept(2) against listenFD.
	Accept(c *Completion, listenFD int, cb AcceptCallback) error

	// Connect submits a non-blocking connect(2) of fd to addr.
	Connect(c *Completion, fd int, addr unix.Sockaddr, cb ConnectCallback) error

	// Recv submits a recv(2) of up to len(buf) bytes from fd into buf.
	Recv(c *Completion, fd int, buf []byte, cb IOCallback) error

	// Send submits a send(2) of buf to fd.
	Send(c *Completion, fd int, buf []byte, cb IOCallback) error

	// Close submits a close(2) of fd.
	Close(c *Completion, fd int, cb CloseCallback) error

	// Poll blocks for up to timeout waiting for at least one completion,
	// then drains and dispatches every completion that is ready without
	// blocking further. Returns the number of callbacks invoked.
	Poll(timeout time.Duration) (int, error)

	// Shutdown releases the reactor's own resources (epoll fd, ring fd).
	// It does not close any registered sockets.
	Shutdown() error
}
