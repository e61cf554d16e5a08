//go:build windows

package socket

import (
	"errors"

	"golang.org/x/sys/windows"
)

// IsAddrInUse reports whether err means the address is already bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, windows.WSAEADDRINUSE)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK)
}
