package session

import (
	"errors"

	"github.com/emproxy/emproxy/internal/socket"
)

// ErrInvalidPort is never returned by ParseBindAddress, which reports every
// malformed address as ErrInvalidAddress. It keeps its slot in the taxonomy
// so embedders that switch on the invalid port code stay valid.
var (
	ErrInvalidAddress = errors.New("invalid bind address")
	ErrInvalidPort    = errors.New("invalid bind port")
	ErrInvalidSocket  = errors.New("no usable socket")
	ErrAlreadyRunning = errors.New("session already running")
	ErrUnknown        = errors.New("unknown error")
)

// ErrorKind is the error taxonomy reported across the embedding boundary.
type ErrorKind int

const (
	KindInvalidAddress ErrorKind = iota
	KindInvalidPort
	KindInvalidSocket
	KindAlreadyRunning
	KindUnknown
)

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidAddress:
		return "invalid_address"
	case KindInvalidPort:
		return "invalid_port"
	case KindInvalidSocket:
		return "invalid_socket"
	case KindAlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// Kind classifies err. Errors outside the taxonomy are KindUnknown.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		return KindInvalidAddress
	case errors.Is(err, ErrInvalidPort):
		return KindInvalidPort
	case errors.Is(err, ErrInvalidSocket), errors.Is(err, socket.ErrBind):
		return KindInvalidSocket
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	default:
		return KindUnknown
	}
}
