//go:build !windows

package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsAddrInUse reports whether err means the address is already bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
