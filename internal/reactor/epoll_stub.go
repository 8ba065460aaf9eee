//go:build !linux

package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// errUnsupportedPlatform is returned by every EpollReactor method on
// non-Linux platforms; the epoll syscalls this backend needs do not exist
// there. Build the binary with linux_uring, or on Linux, instead.
var errUnsupportedPlatform = errors.New("reactor: epoll backend is only available on linux")

// EpollReactor is a stub on non-Linux platforms, present so the package
// compiles there; every method returns errUnsupportedPlatform.
type EpollReactor struct{}

// NewEpollReactor always fails on non-Linux platforms.
func NewEpollReactor() (*EpollReactor, error) {
	return nil, errUnsupportedPlatform
}

func (r *EpollReactor) Accept(c *Completion, listenFD int, cb AcceptCallback) error {
	return errUnsupportedPlatform
}

func (r *EpollReactor) Connect(c *Completion, fd int, addr unix.Sockaddr, cb ConnectCallback) error {
	return errUnsupportedPlatform
}

func (r *EpollReactor) Recv(c *Completion, fd int, buf []byte, cb IOCallback) error {
	return errUnsupportedPlatform
}

func (r *EpollReactor) Send(c *Completion, fd int, buf []byte, cb IOCallback) error {
	return errUnsupportedPlatform
}

func (r *EpollReactor) Close(c *Completion, fd int, cb CloseCallback) error {
	return errUnsupportedPlatform
}

func (r *EpollReactor) Poll(timeout time.Duration) (int, error) {
	return 0, errUnsupportedPlatform
}

func (r *EpollReactor) Shutdown() error {
	return errUnsupportedPlatform
}
