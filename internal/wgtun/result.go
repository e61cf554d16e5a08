package wgtun

import "errors"

// Op tells the caller what to do with a Result.
type Op uint8

const (
	// OpDone means there is nothing to send.
	OpDone Op = iota
	// OpError means the input was dropped; Err says why.
	OpError
	// OpWriteToNetwork means Packet must be sent to the peer endpoint.
	OpWriteToNetwork
	// OpWriteToTunnelV4 means Packet is a decrypted IPv4 packet.
	OpWriteToTunnelV4
	// OpWriteToTunnelV6 means Packet is a decrypted IPv6 packet.
	OpWriteToTunnelV6
)

// String returns a human-readable name for the op.
func (o Op) String() string {
	switch o {
	case OpDone:
		return "done"
	case OpError:
		return "error"
	case OpWriteToNetwork:
		return "write_to_network"
	case OpWriteToTunnelV4:
		return "write_to_tunnel_v4"
	case OpWriteToTunnelV6:
		return "write_to_tunnel_v6"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Encapsulate or Decapsulate call. Packet
// aliases the dst buffer passed to the call whenever it was large enough.
type Result struct {
	Op     Op
	Packet []byte
	Err    error
}

var (
	ErrInvalidKey    = errors.New("wgtun: invalid key")
	ErrInvalidPacket = errors.New("wgtun: invalid packet")
	ErrInvalidMAC    = errors.New("wgtun: invalid mac1")
	ErrDecrypt       = errors.New("wgtun: decryption failed")
	ErrWrongPeer     = errors.New("wgtun: handshake from unexpected static key")
	ErrReplay        = errors.New("wgtun: replayed message")
	ErrFlood         = errors.New("wgtun: handshake initiation flood")
	ErrNoSession     = errors.New("wgtun: unknown receiver index")
	ErrExpired       = errors.New("wgtun: session expired")
	ErrUnexpected    = errors.New("wgtun: unexpected handshake message")
)

func done() Result {
	return Result{Op: OpDone}
}

func fail(err error) Result {
	return Result{Op: OpError, Err: err}
}

func toNetwork(b []byte) Result {
	return Result{Op: OpWriteToNetwork, Packet: b}
}
