//go:build !linux_uring

package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// errUringNotBuilt is returned by every UringReactor method when the
// binary was not built with the linux_uring tag.
var errUringNotBuilt = errors.New("reactor: built without the linux_uring tag; use EpollReactor or rebuild with -tags linux_uring")

// UringReactor is a stub absent the linux_uring build tag, present so the
// package compiles without it; every method returns errUringNotBuilt.
type UringReactor struct{}

// NewUringReactor always fails without the linux_uring build tag.
func NewUringReactor() (*UringReactor, error) {
	return nil, errUringNotBuilt
}

func (r *UringReactor) Accept(c *Completion, listenFD int, cb AcceptCallback) error {
	return errUringNotBuilt
}

func (r *UringReactor) Connect(c *Completion, fd int, addr unix.Sockaddr, cb ConnectCallback) error {
	return errUringNotBuilt
}

func (r *UringReactor) Recv(c *Completion, fd int, buf []byte, cb IOCallback) error {
	return errUringNotBuilt
}

func (r *UringReactor) Send(c *Completion, fd int, buf []byte, cb IOCallback) error {
	return errUringNotBuilt
}

func (r *UringReactor) Close(c *Completion, fd int, cb CloseCallback) error {
	return errUringNotBuilt
}

func (r *UringReactor) Poll(timeout time.Duration) (int, error) {
	return 0, errUringNotBuilt
}

func (r *UringReactor) Shutdown() error {
	return errUringNotBuilt
}
